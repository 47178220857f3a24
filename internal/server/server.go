package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	// BeforeShutdown runs first in Shutdown. The relay uses it to end
	// websocket sessions, which http.Server.Shutdown does not track.
	BeforeShutdown func()
	Logger         *zap.SugaredLogger
}

type Server struct {
	cfg    Config
	log    *zap.SugaredLogger
	http   *http.Server
	ln     net.Listener
	unix   *http.Server
	unixLn net.Listener
}

// New binds the listeners right away so Addr reports the real port when
// cfg.Addr ends in ":0".
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	h := cfg.Handler
	if h == nil {
		h = http.NewServeMux()
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	s := &Server{
		cfg:  cfg,
		log:  log,
		http: &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second},
		ln:   ln,
	}

	if cfg.SocketPath != "" {
		// Remove stale socket file from previous run
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			ln.Close()
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		uln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			uln.Close()
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = uln
		s.unix = &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	}

	return s, nil
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if s.unixLn != nil {
		go func() {
			if err := s.unix.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Errorw("unix socket server stopped", "error", err)
			}
		}()
	}
	s.log.Infow("relay listening", "addr", s.Addr(), "socket", s.cfg.SocketPath)
	if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.BeforeShutdown != nil {
		s.cfg.BeforeShutdown()
	}
	var firstErr error

	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}

	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	// Shutdown only closes listeners that Serve was handed.
	_ = s.ln.Close()
	if s.unixLn != nil {
		_ = s.unixLn.Close()
	}

	return firstErr
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
