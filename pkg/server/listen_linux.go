//go:build linux

package server

import (
	"bufio"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// logListenBacklog logs the listen address and the kernel accept backlog
func logListenBacklog(addr string) {
	somaxconn := 0
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		somaxconn, _ = strconv.Atoi(strings.TrimSpace(string(data)))
	}

	log.Printf("TCP server listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may drop connections during login bursts", somaxconn)
	}
}

// monitorListenOverflows logs when the kernel drops connections because the
// accept queue is full
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := listenOverflows()
	for {
		select {
		case <-ticker.C:
			current := listenOverflows()
			if current > last {
				log.Printf("WARNING: %d connection(s) dropped by listen backlog overflow (total: %d)", current-last, current)
			}
			last = current
		case <-s.shutdown:
			return
		}
	}
}

// listenOverflows reads TcpExt ListenOverflows from /proc/net/netstat
func listenOverflows() uint64 {
	f, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer f.Close()

	var headers []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
			continue
		}
		for i, h := range headers {
			if h == "ListenOverflows" && i+1 < len(fields) {
				n, _ := strconv.ParseUint(fields[i+1], 10, 64)
				return n
			}
		}
		return 0
	}
	return 0
}
