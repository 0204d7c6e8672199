// Package statusapi serves scheduler status, recent events, run history and
// Prometheus metrics over HTTP.
package statusapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"jobmgr/internal/eventbus"
	"jobmgr/internal/jobs"
	"jobmgr/internal/storage"
	logx "jobmgr/pkg/logx"
)

// Scheduler is the read-only view the server needs; *jobs.Scheduler
// satisfies it.
type Scheduler interface {
	Snapshot() jobs.Snapshot
	JobByID(id string) (jobs.JobInfo, bool)
}

// History provides recent bus events and stored runs; *history.Recorder
// satisfies it.
type History interface {
	Events(limit int) []eventbus.Event
	Recent(ctx context.Context, limit int) ([]storage.RunRecord, error)
}

// Config controls the listener.
type Config struct {
	Enabled     bool
	Addr        string
	Pprof       bool
	ReadTimeout time.Duration
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8089"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Server manages the lifecycle of the status listener.
type Server struct {
	log      logx.Logger
	sched    Scheduler
	hist     History
	gatherer prom.Gatherer

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
	cfg  Config
}

// New builds a server. hist may be nil; gatherer defaults to the Prometheus
// default registry.
func New(log logx.Logger, sched Scheduler, hist History, gatherer prom.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prom.DefaultGatherer
	}
	return &Server{
		log:      log.With(logx.String("comp", "statusapi")),
		sched:    sched,
		hist:     hist,
		gatherer: gatherer,
	}
}

// Apply starts, stops or restarts the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("status listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg.Pprof),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.cfg = cfg

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("status server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("status server enabled", logx.String("addr", addr), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr, s.cfg = nil, nil, "", Config{}

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("status shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("status server disabled", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler returns the router. It is usable without a listener.
func (s *Server) Handler(pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/jobs/{id}", s.handleJob)
	r.Get("/events", s.handleEvents)
	r.Get("/runs", s.handleRuns)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
