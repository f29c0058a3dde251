package server

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/connlimit"
	"github.com/egressd/egressd/internal/errors"
	"github.com/egressd/egressd/internal/httpparser"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/policy"
	"github.com/egressd/egressd/internal/proxy"
)

// h2Preface opens every HTTP/2 connection with prior knowledge.
var h2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// Server owns the client-facing listener: admission control, protocol
// dispatch and graceful drain.
type Server struct {
	cfg     *config.Config
	proxy   *proxy.Proxy
	limiter *connlimit.Limiter

	ln      net.Listener
	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closing bool
}

// New wires the server around an assembled proxy.
func New(cfg *config.Config, p *proxy.Proxy) *Server {
	return &Server{
		cfg:   cfg,
		proxy: p,
		limiter: connlimit.New(
			cfg.Server.Limits.MaxConnections,
			cfg.Server.Limits.MaxConnectionsPerIP,
		),
		conns: make(map[net.Conn]struct{}),
	}
}

// ListenAndServe binds the configured address and runs the accept loop
// until Shutdown closes the listener.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Server.Host, fmt.Sprintf("%d", s.cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logging.Info("proxy listening",
		zap.String("addr", addr),
		zap.String("mode", string(s.cfg.Server.Mode)))
	return s.Serve(ln)
}

// Serve runs the accept loop on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) track(conn net.Conn) func() {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
	return func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}
}

// handleConn admits, sniffs and dispatches one client connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	ip, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		ip = conn.RemoteAddr().String()
	}
	release, err := s.limiter.Acquire(ip)
	if err != nil {
		errors.ErrServiceUnavailable.WithDetails("connection limit reached").WriteRaw(conn)
		logging.Debug("connection rejected", zap.String("ip", ip), zap.Error(err))
		return
	}
	defer release()

	untrack := s.track(conn)
	defer untrack()
	m := s.proxy.Metrics()
	m.ActiveConns.Inc()
	defer m.ActiveConns.Dec()

	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(s.cfg.Server.Timeouts.Idle))

	// HTTP/2 prior knowledge means native gRPC. "PRI " is not a valid
	// HTTP/1.x method, so four bytes decide the protocol without
	// blocking on short requests.
	first, err := br.Peek(4)
	if err == nil && bytes.Equal(first, h2Preface[:4]) {
		conn.SetReadDeadline(time.Time{})
		s.proxy.ServeGRPC(conn, br)
		return
	}

	// Otherwise parse the first HTTP/1.x request head and dispatch by
	// method.
	parser := httpparser.New(s.cfg.Server.Limits.MaxHeaderBytes, s.cfg.Server.Limits.MaxRequestBody)
	buf := make([]byte, 8*1024)
	for !parser.HeadersDone() {
		conn.SetReadDeadline(time.Now().Add(s.cfg.Server.Timeouts.Idle))
		n, rerr := br.Read(buf)
		if n > 0 {
			if ferr := parser.Feed(buf[:n]); ferr != nil {
				s.rejectParse(conn, parser.Err())
				return
			}
			continue
		}
		if rerr != nil {
			return
		}
	}
	conn.SetReadDeadline(time.Time{})

	if parser.Request().Method == "CONNECT" {
		s.proxy.ServeConnect(conn, br, parser.Request())
		return
	}
	s.proxy.ServeHTTP1(conn, br, parser)
}

func (s *Server) rejectParse(conn net.Conn, pe *httpparser.ParseError) {
	e := errors.ErrBadRequest
	reason := policy.ReasonInternalError
	switch pe.Code {
	case httpparser.ErrRequestLineTooLong:
		e, reason = errors.ErrURITooLong, policy.ReasonRequestTooLarge
	case httpparser.ErrHeadersTooLarge:
		e, reason = errors.ErrHeadersTooLarge, policy.ReasonRequestTooLarge
	case httpparser.ErrBodyTooLarge:
		e, reason = errors.ErrPayloadTooLarge, policy.ReasonRequestTooLarge
	}
	s.proxy.AuditRejection(conn, "http", e.Code, string(reason))
	e.WriteRaw(conn)
}

// Shutdown stops accepting, waits for in-flight connections up to the
// context deadline, then force-closes whatever is left.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		logging.Warn("shutdown deadline reached", zap.Int("closed", n))
		return ctx.Err()
	}
}
