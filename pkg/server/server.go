package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/netutil"

	"github.com/aeolun/chatdrop/pkg/filestore"
	"github.com/aeolun/chatdrop/pkg/protocol"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
)

// EnableDebugLogging turns on per-envelope logging
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// errCloseSession ends a session loop without logging an error
var errCloseSession = errors.New("session closed")

// Server represents the chatdrop server
type Server struct {
	auth     Authenticator
	files    filestore.Store
	sessions *SessionManager
	config   ServerConfig
	metrics  *Metrics
	registry *prometheus.Registry

	listener   net.Listener
	httpServer *http.Server
	httpAddr   net.Addr

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // accept loop and background monitors
	connWG    sync.WaitGroup // one per live connection
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, auth Authenticator, files filestore.Store) (*Server, error) {
	if auth == nil {
		return nil, fmt.Errorf("server needs an authenticator")
	}
	if files == nil {
		return nil, fmt.Errorf("server needs a file store")
	}

	if config.MaxUploadBytes == 0 {
		config.MaxUploadBytes = protocol.DefaultMaxPayload
	}

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)
	sessions.SetLimits(config.WriteTimeout, config.MaxUploadBytes)

	return &Server{
		auth:      auth,
		files:     files,
		sessions:  sessions,
		config:    config,
		metrics:   metrics,
		registry:  registry,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}, nil
}

// Start starts the TCP listener and, when configured, the HTTP listener
func (s *Server) Start() error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if s.config.HTTPPort != 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()
	go s.acceptLoop()

	return nil
}

func (s *Server) startHTTPServer() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpAddr = ln.Addr()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server listening on %s (/metrics, /health, %s)", ln.Addr(), "/ws")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the TCP listen address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the HTTP listen address, or nil when HTTP is disabled
func (s *Server) HTTPAddr() net.Addr {
	return s.httpAddr
}

// Sessions exposes the session registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop refuses new connections, sends Logout to every session, closes
// them and waits for their loops to finish
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.httpServer.Shutdown(ctx)
			cancel()
		}

		s.sessions.CloseAll()
		s.wg.Wait()
		s.connWG.Wait()
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConnection(conn, "tcp")
		}()
	}
}

// handleConnection runs one session until its stream ends or it logs out
func (s *Server) handleConnection(conn net.Conn, transport string) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess, err := s.sessions.CreateSession(conn, conn.RemoteAddr().String(), transport)
	if err != nil {
		debugLog.Printf("Rejecting %s connection from %s: %v", transport, conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	defer s.endSession(sess)

	log.Printf("New %s connection from %s (session %d)", transport, conn.RemoteAddr(), sess.ID)

	for {
		env, err := sess.Conn.ReadEnvelope()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				debugLog.Printf("Session %d disconnected", sess.ID)
			case protocol.IsProtocolError(err):
				errorLog.Printf("Session %d protocol error: %v", sess.ID, err)
			default:
				debugLog.Printf("Session %d read error: %v", sess.ID, err)
			}
			return
		}

		debugLog.Printf("Session %d ← RECV: %s sender=%q len=%d payload=%d", sess.ID, env.Kind, env.Sender, len(env.Text), env.PayloadLength)
		s.metrics.RecordEnvelopeReceived(env.Kind)

		if err := s.handleMessage(sess, env); err != nil {
			if !errors.Is(err, errCloseSession) {
				errorLog.Printf("Session %d handle error: %v", sess.ID, err)
			}
			return
		}
	}
}

// endSession tears a session down exactly once and tells the others it
// left, if they were told it joined
func (s *Server) endSession(sess *Session) {
	prev, removed := s.sessions.RemoveSession(sess.ID)
	if !removed {
		return
	}

	log.Printf("Session %d closed", sess.ID)
	if prev == StateAuthenticated && sess.Joined() {
		s.broadcast(protocol.Chat(sess.Username()+" left the chat."), sess.ID)
	}
}

// broadcast delivers env to all authenticated sessions but except, then
// tears down any session whose write failed
func (s *Server) broadcast(env *protocol.Envelope, except uint64) {
	start := time.Now()
	delivered, dead := s.sessions.Broadcast(env, except)
	s.metrics.RecordBroadcast(env.Kind, delivered, time.Since(start).Seconds())

	for _, sess := range dead {
		s.endSession(sess)
	}
}

// send writes one envelope to sess and counts it
func (s *Server) send(sess *Session, env *protocol.Envelope) error {
	debugLog.Printf("Session %d → SEND: %s len=%d", sess.ID, env.Kind, len(env.Text))
	if err := sess.Send(env); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Kind, err)
	}
	s.metrics.RecordEnvelopesSent(env.Kind, 1)
	return nil
}
