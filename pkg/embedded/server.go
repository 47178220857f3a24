// Package embedded runs a cuerelay document relay in-process: SQLite store,
// document API and websocket watches on one listener.
package embedded

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mistakeknot/cuerelay/internal/auth"
	httpapi "github.com/mistakeknot/cuerelay/internal/http"
	"github.com/mistakeknot/cuerelay/internal/metrics"
	"github.com/mistakeknot/cuerelay/internal/server"
	"github.com/mistakeknot/cuerelay/internal/storage/sqlite"
	"github.com/mistakeknot/cuerelay/internal/ws"
)

// MemoryDB keeps the relay database in memory.
const MemoryDB = ":memory:"

// Config configures the embedded relay
type Config struct {
	// DBPath is the SQLite database file. Empty means ~/.cuerelay/relay.db,
	// MemoryDB an in-memory database.
	DBPath string

	// Port is the HTTP port to listen on. If 0, defaults to 7338; use
	// AnyPort to let the kernel pick one.
	Port int

	// Host defaults to 127.0.0.1.
	Host string

	SocketPath string

	// Keyring enables API key auth when set.
	Keyring *auth.Keyring

	// HistoryRetention > 0 starts a sweeper deleting older history.
	HistoryRetention time.Duration
	SweepInterval    time.Duration

	Logger *zap.SugaredLogger
}

// AnyPort asks for an ephemeral port.
const AnyPort = -1

// Server is an embedded relay
type Server struct {
	cfg     Config
	log     *zap.SugaredLogger
	store   *sqlite.ResilientStore
	hub     *ws.Hub
	srv     *server.Server
	sweeper *sqlite.Sweeper

	mu      sync.Mutex
	started bool
	done    chan error
}

// New opens the store and binds the listener.
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".cuerelay", "relay.db")
	}
	switch cfg.Port {
	case 0:
		cfg.Port = 7338
	case AnyPort:
		cfg.Port = 0
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	var (
		inner *sqlite.Store
		err   error
	)
	if cfg.DBPath == MemoryDB {
		inner, err = sqlite.NewInMemory(sqlite.WithLogger(log))
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		inner, err = sqlite.New(cfg.DBPath, sqlite.WithLogger(log))
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(inner)
	store.Breaker().OnStateChange(func(from, to sqlite.BreakerState) {
		log.Warnw("store circuit breaker changed", "from", from.String(), "to", to.String())
		metrics.BreakerChanged(to == sqlite.StateOpen)
	})

	hub := ws.NewHub(store, log)
	var mw func(next http.Handler) http.Handler
	if cfg.Keyring != nil {
		mw = auth.Middleware(cfg.Keyring)
	}
	router := httpapi.NewRouter(httpapi.NewService(store, log), hub.Handler(), mw)

	srv, err := server.New(server.Config{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		SocketPath:     cfg.SocketPath,
		Handler:        router,
		BeforeShutdown: hub.Close,
		Logger:         log,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, log: log, store: store, hub: hub, srv: srv}
	if cfg.HistoryRetention > 0 {
		s.sweeper = sqlite.NewSweeper(store, cfg.SweepInterval, cfg.HistoryRetention, log)
	}
	return s, nil
}

// Start serves in a goroutine. Wait reports how serving ended.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true
	s.done = make(chan error, 1)
	if s.sweeper != nil {
		s.sweeper.Start(context.Background())
	}
	go func() {
		err := s.srv.Start()
		if err != nil {
			s.log.Errorw("relay server stopped", "error", err)
		}
		s.done <- err
	}()
	return nil
}

// Wait blocks until the server stops serving.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends watch sessions, shuts the listener down and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started && s.sweeper != nil {
		s.sweeper.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	firstErr := s.srv.Shutdown(ctx)
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.srv.Addr()
}

// Store returns the underlying store for direct access if needed
func (s *Server) Store() *sqlite.ResilientStore {
	return s.store
}

// Sessions counts open watch sessions.
func (s *Server) Sessions() int {
	return s.hub.Sessions()
}
