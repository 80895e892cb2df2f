// Package health serves the minimal operational HTTP endpoint: process
// status, current time in the configured zone, and uptime.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"polisbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8085"
	}
	return c
}

// Server manages lifecycle for the health HTTP listener.
type Server struct {
	mu    sync.Mutex
	log   logx.Logger
	loc   *time.Location
	start time.Time
	srv   *http.Server
	ln    net.Listener
	addr  string
}

func New(log logx.Logger, loc *time.Location) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Server{log: log.With(logx.String("comp", "health")), loc: loc, start: time.Now()}
}

// Apply starts/stops the server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return
	}

	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	srv := &http.Server{Addr: cfg.Addr, Handler: s.Handler(), ReadTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("health listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("health server error", logx.Err(err))
		}
	}()
	s.log.Info("health endpoint enabled", logx.String("addr", s.addr))
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("health shutdown error", logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

type statusBody struct {
	Status   string `json:"status"`
	Time     string `json:"time"`
	Timezone string `json:"timezone"`
	Uptime   string `json:"uptime"`
}

// Handler exposes the health mux (also used directly by tests).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		now := time.Now().In(s.loc)
		body := statusBody{
			Status:   "ok",
			Time:     now.Format(time.RFC3339),
			Timezone: s.loc.String(),
			Uptime:   time.Since(s.start).Round(time.Second).String(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	return mux
}
