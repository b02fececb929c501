// Package server accepts TCP or TLS connections and hands each one to a
// Handler on its own goroutine.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"collabd/internal/collab"
)

// Handler serves one accepted connection. It must return once ctx is
// cancelled or the connection is closed.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) Serve(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Config holds the listener configuration.
type Config struct {
	Name     string // used in log lines: "collab" or "management"
	Host     string
	Port     int
	CertPath string // TLS is enabled when both CertPath and KeyPath are set
	KeyPath  string
}

// Server is a connection-per-goroutine listener with tracking of live
// connections for shutdown.
type Server struct {
	cfg       Config
	handler   Handler
	logger    collab.Logger
	tlsConfig *tls.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	listener    net.Listener
	closed      bool
	activeConns map[net.Conn]struct{}
	wg          sync.WaitGroup
}

// New creates a Server. The TLS certificate, if configured, is loaded here
// so a bad path fails before anything listens.
func New(cfg Config, handler Handler, logger collab.Logger) (*Server, error) {
	var tlsConfig *tls.Config
	if cfg.CertPath != "" || cfg.KeyPath != "" {
		var err error
		tlsConfig, err = NewTLSConfig(cfg.CertPath, cfg.KeyPath)
		if err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:         cfg,
		handler:     handler,
		logger:      logger,
		tlsConfig:   tlsConfig,
		ctx:         ctx,
		cancel:      cancel,
		activeConns: make(map[net.Conn]struct{}),
	}, nil
}

// NewTLSConfig loads a certificate and key pair for the listener.
func NewTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("tls requires both a certificate and a key")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Listen binds the listening socket. Port 0 picks a free port; see Addr.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var (
		ln  net.Listener
		err error
	)
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("listening", "server", s.cfg.Name, "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve called before listen")
	}

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			s.logger.Error("failed to accept connection", "server", s.cfg.Name, "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(conn)
		}()
	}
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) handleConnection(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer conn.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		hctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			s.logger.Warn("tls handshake failed", "server", s.cfg.Name, "remote", remote, "error", err)
			return
		}
		state := tlsConn.ConnectionState()
		s.logger.Debug("tls handshake complete", "server", s.cfg.Name, "remote", remote,
			"version", tls.VersionName(state.Version), "cipher", tls.CipherSuiteName(state.CipherSuite))
	}

	s.handler.Serve(s.ctx, conn)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return false
	}
	s.activeConns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.activeConns, conn)
	s.mu.Unlock()
}

// Close stops accepting connections. Connections already accepted keep
// being served until their handlers return or Shutdown closes them.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeListenerLocked()
}

func (s *Server) closeListenerLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("error closing listener", "server", s.cfg.Name, "error", err)
		}
	}
}

// Shutdown stops accepting, closes every live connection, and waits for
// the handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down", "server", s.cfg.Name)

	s.mu.Lock()
	s.cancel()
	s.closeListenerLocked()
	for conn := range s.activeConns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed", "server", s.cfg.Name)
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, abandoning connections", "server", s.cfg.Name)
		return ctx.Err()
	}
}

// ActiveConnections returns the number of live connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}
