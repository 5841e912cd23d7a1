// Package control implements the daemon's line-oriented TCP control
// session (spec.md §6, modelled on telnetserver/telnetsession of
// original_source/pchri03/OpenVRRP — see SPEC_FULL.md's SUPPLEMENTED
// FEATURES). One goroutine per connection reads commands and posts them
// to the event loop; the loop is the only place registry/service state
// is touched.
package control

import (
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/govrrpd/govrrpd/internal/vrrp"
)

// Server accepts control connections on a single TCP listener.
type Server struct {
	addr     string
	backend  *Backend
	logger   log.Logger

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*session]struct{}
}

// New constructs a Server bound to addr (not yet listening); backend
// wires commands through to the registry and config codec.
func New(addr string, backend *Backend, logger log.Logger) *Server {
	return &Server{
		addr:     addr,
		backend:  backend,
		logger:   log.With(logger, "component", "control-server"),
		sessions: make(map[*session]struct{}),
	}
}

// ListenAndServe opens the listener and accepts connections until
// Close is called. It registers itself as a loop source for the
// duration it is accepting, so the daemon does not exit while a control
// server is listening.
func (s *Server) ListenAndServe(loop *vrrp.Loop) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	loop.RegisterSource()
	level.Info(s.logger).Log("msg", "control server listening", "addr", s.addr)

	go func() {
		defer loop.UnregisterSource()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return // listener closed
			}
			sess := newSession(conn, s.backend, loop, s.logger)
			s.mu.Lock()
			s.sessions[sess] = struct{}{}
			s.mu.Unlock()
			go func() {
				sess.serve()
				s.mu.Lock()
				delete(s.sessions, sess)
				s.mu.Unlock()
			}()
		}
	}()
	return nil
}

// Close stops accepting new connections and closes every open session.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for sess := range s.sessions {
		sess.close()
	}
	return nil
}
