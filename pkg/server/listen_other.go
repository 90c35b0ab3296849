//go:build !linux

package server

import "log"

func logListenBacklog(addr string) {
	log.Printf("TCP server listening on %s", addr)
}

// monitorListenOverflows has no data source outside Linux
func (s *Server) monitorListenOverflows() {}
