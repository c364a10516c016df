// Package proxy implements a minimal session-level MySQL forwarding proxy
// that demonstrates Router end to end: it completes a synthetic handshake
// with the client, classifies the session, routes it through
// internal/router, and relays bytes to the chosen backend for the rest of
// the connection's lifetime (spec.md §4's worked examples; session-level
// routing is a deliberate simplification over full per-statement
// re-routing, which would require complete wire-protocol parsing).
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/rwsplit/rwsplit/internal/backendpool"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/router"
)

// Server is the TCP proxy server clients connect to.
type Server struct {
	router  *router.Router
	pools   *backendpool.Manager
	metrics *metrics.Collector

	listener net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new proxy server.
func NewServer(r *router.Router, pools *backendpool.Manager, m *metrics.Collector) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{router: r, pools: pools, metrics: m, ctx: ctx, cancel: cancel}
}

// Listen starts accepting MySQL client connections on port.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("proxy listening", "addr", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Warn("accept error", "err", err)
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	handler := &MySQLHandler{router: s.router, pools: s.pools, metrics: s.metrics}
	if err := handler.Handle(s.ctx, clientConn); err != nil {
		slog.Warn("connection error", "err", err)
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	slog.Info("proxy server stopped")
}
