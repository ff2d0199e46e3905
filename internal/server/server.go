// Package server exposes the loopback HTTP control API. The API has no
// authentication; bind it to localhost.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"prospectd/internal/browser"
	"prospectd/internal/leads"
	"prospectd/internal/services/connect"
	"prospectd/internal/services/scrape"
	"prospectd/internal/storage"
	logx "prospectd/pkg/logx"
)

// Config tunes the HTTP listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Pprof mounts the runtime profiler under /debug/pprof. Loopback
	// only; never enable on a non-local bind.
	Pprof bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8380"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// Server is the control API over the store, the connect worker and the
// scrape runner.
type Server struct {
	cfg     Config
	log     logx.Logger
	store   *storage.Store
	worker  *connect.Service
	runner  *scrape.Runner
	session browser.SessionChecker

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

func New(cfg Config, store *storage.Store, worker *connect.Service, runner *scrape.Runner, session browser.SessionChecker, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if session == nil {
		session = browser.NoSession{}
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		log:     log,
		store:   store,
		worker:  worker,
		runner:  runner,
		session: session,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", logx.Err(err))
		}
	}(s.srv)
	s.log.Info("control api listening", logx.String("addr", s.addr))
	return nil
}

// Addr reports the bound address, useful when the config port is 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop drains in-flight requests bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router wires all control routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/session/status", s.handleSessionStatus)

		r.Post("/search", s.handleSearch(leads.SourceSearch))
		r.Post("/search-navigator", s.handleSearch(leads.SourceSalesNav))
		r.Post("/company-employees", s.handleSearch(leads.SourceCompanyPeople))
		r.Post("/scrape-url", s.handleScrapeURL)
		r.Get("/search/progress", s.handleSearchProgress)

		r.Get("/leads", s.handleListLeads)
		r.Get("/leads/export", s.handleExportLeads)
		r.Post("/leads/delete", s.handleDeleteLeads)
		r.Post("/leads/clear", s.handleClearLeads)

		r.Get("/stats", s.handleStats)
		r.Get("/runs", s.handleListRuns)

		r.Route("/connect", func(r chi.Router) {
			r.Post("/enqueue", s.handleEnqueue)
			r.Post("/retry", s.handleRetry)
			r.Post("/start", s.handleWorkerStart)
			r.Post("/stop", s.handleWorkerStop)
			r.Post("/pause", s.handleWorkerPause)
			r.Post("/resume", s.handleWorkerResume)
			r.Get("/status", s.handleWorkerStatus)
			r.Get("/queue", s.handleQueue)
		})

		r.Get("/settings/connect", s.handleGetSettings)
		r.Put("/settings/connect", s.handlePutSettings)
	})

	if s.cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", pprof.Index)
			r.Get("/cmdline", pprof.Cmdline)
			r.Get("/profile", pprof.Profile)
			r.Get("/symbol", pprof.Symbol)
			r.Post("/symbol", pprof.Symbol)
			r.Get("/trace", pprof.Trace)
			r.Get("/{name}", func(w http.ResponseWriter, r *http.Request) {
				pprof.Handler(chi.URLParam(r, "name")).ServeHTTP(w, r)
			})
		})
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]any{
		"error": strings.TrimSpace(fmt.Sprintf(format, args...)),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: %v", err)
		return false
	}
	return true
}
