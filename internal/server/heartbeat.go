package server

import (
	"log/slog"
	"sync"
	"time"
)

// connRegistry tracks a Server's open connections. Owned by the Server
// instance so gateways in the same process never share state.
type connRegistry struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[*Conn]struct{})}
}

func (r *connRegistry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *connRegistry) remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

func (r *connRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *connRegistry) snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// heartbeatLoop pings every open connection on a fixed interval and tears
// down the ones that missed a whole interval. A client that stops
// responding is gone within two sweeps, worker included.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepConns()
		}
	}
}

// sweepConns runs one liveness pass. Split out so tests can drive sweeps
// without waiting on the ticker.
func (s *Server) sweepConns() {
	for _, c := range s.conns.snapshot() {
		if !c.sweep() {
			slog.Info("Closing unresponsive connection", "userId", c.userID)
			c.teardown()
		}
	}
}
