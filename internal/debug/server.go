package debug

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dshills/stepdap/internal/config"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("debug server closed")

// Server accepts debugger clients one at a time.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	ln     net.Listener
	port   int

	// ids are unique for the life of the process, across sessions
	frameIDs      atomic.Int64
	breakpointIDs atomic.Int64

	mu     sync.Mutex
	active *Session
	closed bool
}

// Listen binds the configured address and writes the bound port to the
// port file.
func Listen(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr(), err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("loading TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	if cfg.PortFile != "" {
		if err := writePortFile(cfg.PortFile, port); err != nil {
			_ = ln.Close()
			return nil, err
		}
	}

	s := &Server{cfg: cfg, logger: logger, ln: ln, port: port}
	logger.Info("debug server listening", "addr", ln.Addr().String(), "port", port, "tls", cfg.TLSEnabled())
	return s, nil
}

func writePortFile(path string, port int) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating port file directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0o644); err != nil {
		return fmt.Errorf("writing port file: %w", err)
	}
	return nil
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts connections until Shutdown is called or ctx is done. Each
// connection is served to completion before the next is accepted. It
// returns nil after a shutdown.
func (s *Server) Serve(ctx context.Context) error {
	if s.isClosed() {
		return ErrServerClosed
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Shutdown() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess := newSession(s, conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.active = sess
		s.mu.Unlock()

		sess.logger.Info("client connected")
		sess.serve(ctx)
		sess.logger.Info("client disconnected")

		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}
}

// Shutdown stops listening and closes the active session.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sess := s.active
	s.mu.Unlock()

	err := s.ln.Close()
	if sess != nil {
		sess.close()
	}
	s.logger.Info("debug server stopped")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) nextFrameID() int64 {
	return s.frameIDs.Add(1)
}

func (s *Server) nextBreakpointID() int {
	return int(s.breakpointIDs.Add(1))
}
