// Package gateway is the daemon's read-only status surface: liveness,
// Prometheus metrics, task listings and a websocket stream of queue events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/policy"
)

// Store is the read side of the queue the gateway reports on.
type Store interface {
	Ping(ctx context.Context) error
	Counts(ctx context.Context) (map[persistence.State]int, error)
	ListByState(ctx context.Context, state persistence.State, limit int) ([]persistence.Task, error)
	GetTask(ctx context.Context, taskID string) (*persistence.Task, error)
	ListPlans(ctx context.Context, taskID string) ([]persistence.Plan, error)
	ListEvents(ctx context.Context, taskID string) ([]persistence.TaskEvent, error)
}

type Config struct {
	Store  Store
	Bus    *bus.Bus
	Policy policy.Gate
	// Token, when non-empty, is required on /v1 routes.
	Token        string
	AllowOrigins []string
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	prom    *promMetrics
	started time.Time
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(cfg.Tracer),
		prom:    newPromMetrics(cfg.Store, cfg.Bus, logger),
		started: time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", s.prom.handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireToken(s.cfg.Token))
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Run consumes bus events into the Prometheus counters until ctx ends.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	sub := s.cfg.Bus.Subscribe("task.")
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			s.prom.observe(ev)
		}
	}
}

// ListenAndServe serves the gateway on addr until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// instrument wraps each request in a server span, records its duration and
// counts it by route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, "gateway "+r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.prom.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
		}
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"policy_version": policyVersion,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, payload)
}

// handleListTasks returns the per-state counts, plus the tasks in one
// partition when ?state= is given.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Store.Counts(r.Context())
	if err != nil {
		s.logger.Error("gateway: count tasks", "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "count tasks failed")
		return
	}
	out := map[string]any{"counts": counts}

	raw := strings.TrimSpace(r.URL.Query().Get("state"))
	if raw == "" {
		respondJSON(w, http.StatusOK, out)
		return
	}
	state := persistence.State(strings.ToUpper(raw))
	if !isListable(state) {
		respondError(w, http.StatusBadRequest, "invalid_state", "unknown state "+strconv.Quote(raw))
		return
	}
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	tasks, err := s.cfg.Store.ListByState(r.Context(), state, limit)
	if err != nil {
		s.logger.Error("gateway: list tasks", "state", state, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "list tasks failed")
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	out["state"] = state
	out["tasks"] = tasks
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	task, err := s.cfg.Store.GetTask(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	if err != nil {
		s.logger.Error("gateway: get task", "task_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "internal", "get task failed")
		return
	}
	plans, err := s.cfg.Store.ListPlans(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", "list plans failed")
		return
	}
	events, err := s.cfg.Store.ListEvents(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", "list events failed")
		return
	}
	trail, err := audit.Recent(r.Context(), id, 20)
	if err != nil {
		s.logger.Warn("gateway: audit trail unavailable", "task_id", id, "error", err)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task":   task,
		"plans":  plans,
		"events": events,
		"audit":  trail,
	})
}

func isListable(st persistence.State) bool {
	for _, known := range persistence.States {
		if st == known {
			return true
		}
	}
	return false
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{"error": code, "message": msg})
}
