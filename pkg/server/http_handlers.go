package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/chatdrop/pkg/transport"
)

// Handler returns the HTTP routes: /metrics, /health and the WebSocket endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc(transport.Path, s.HandleWebSocket)
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":                 "healthy",
		"uptime_seconds":         int64(time.Since(s.startTime).Seconds()),
		"active_sessions":        s.sessions.Count(),
		"authenticated_sessions": s.sessions.CountAuthenticated(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	if names, err := s.files.List(ctx); err != nil {
		health["status"] = "degraded"
		health["files_error"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		health["files"] = len(names)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}

// HandleWebSocket upgrades the request and runs the same session loop as
// a TCP connection
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := transport.Upgrade(w, r)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.handleConnection(conn, "websocket")
}
