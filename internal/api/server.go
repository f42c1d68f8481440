package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/company-research/internal/metrics"
	"github.com/JakeFAU/company-research/internal/middleware"
	"github.com/JakeFAU/company-research/internal/research"
)

// TaskService is the orchestrator surface the API drives.
type TaskService interface {
	Submit(ctx context.Context, subject research.Subject) (string, error)
	Status(ctx context.Context, id string) (research.Task, error)
	List(ctx context.Context, filter research.TaskFilter) ([]research.Task, error)
	History(ctx context.Context, id string) ([]research.StateChange, error)
}

// CompanySearcher runs synchronous registry searches.
type CompanySearcher interface {
	SearchCompanies(ctx context.Context, name, jurisdiction string) ([]research.CompanySummary, error)
}

// Check reports whether a downstream dependency is ready.
type Check func(ctx context.Context) error

// Config controls routing middleware.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// MaxListLimit caps GET /v1/tasks page sizes.
	MaxListLimit int
}

// Server wires HTTP handlers to the orchestrator and registry client.
type Server struct {
	router   chi.Router
	tasks    TaskService
	searcher CompanySearcher
	checks   map[string]Check
	cfg      Config
	logger   *zap.Logger
}

const defaultListLimit = 100

// NewServer constructs a Server with middleware and routes. searcher may be
// nil, in which case company search answers 501.
func NewServer(
	tasks TaskService,
	searcher CompanySearcher,
	checks map[string]Check,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = defaultListLimit
	}
	s := &Server{
		tasks:    tasks,
		searcher: searcher,
		checks:   checks,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Metrics)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(middleware.APIKey(cfg.APIKey, "/healthz", "/readyz", "/metrics"))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/history", s.getHistory)
			})
		})
		r.Get("/companies/search", s.searchCompanies)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failing := map[string]string{}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("failing", failing))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failing})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Kind         string `json:"kind"`
	Key          string `json:"key"`
	Jurisdiction string `json:"jurisdiction"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	subject := research.Subject{
		Kind:         research.Kind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		Key:          req.Key,
		Jurisdiction: req.Jurisdiction,
	}
	id, err := s.tasks.Submit(r.Context(), subject)
	switch {
	case err == nil:
	case id != "":
		// Persisted but not queued; the recovery sweep enqueues it later.
		s.logger.Warn("task accepted without enqueue", zap.String("task_id", id), zap.Error(err))
	default:
		s.writeDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/tasks/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "state": string(research.StatePending)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Status(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	changes, err := s.tasks.History(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "history": changes})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := s.parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []research.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) parseFilter(r *http.Request) (research.TaskFilter, error) {
	q := r.URL.Query()
	filter := research.TaskFilter{Limit: s.cfg.MaxListLimit}
	for _, raw := range q["state"] {
		for _, part := range strings.Split(raw, ",") {
			state := research.State(strings.ToUpper(strings.TrimSpace(part)))
			if state == "" {
				continue
			}
			if !state.Valid() {
				return filter, errors.New("unknown state " + part)
			}
			filter.States = append(filter.States, state)
		}
	}
	if raw := q.Get("kind"); raw != "" {
		kind := research.Kind(strings.ToUpper(raw))
		if !kind.Valid() {
			return filter, errors.New("unknown kind " + raw)
		}
		filter.Kind = kind
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = min(limit, s.cfg.MaxListLimit)
	}
	return filter, nil
}

func (s *Server) searchCompanies(w http.ResponseWriter, r *http.Request) {
	if s.searcher == nil {
		writeError(w, http.StatusNotImplemented, "registry search is not configured")
		return
	}
	q := r.URL.Query()
	name := strings.TrimSpace(q.Get("q"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	companies, err := s.searcher.SearchCompanies(r.Context(), name, q.Get("jurisdiction"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": name, "companies": companies})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := research.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": string(code)})
}

func statusFor(code research.Code) int {
	switch code {
	case research.CodeClientError:
		return http.StatusBadRequest
	case research.CodeNotFound:
		return http.StatusNotFound
	case research.CodeRobotsDisallowed:
		return http.StatusForbidden
	case research.CodeFetchFailed, research.CodeParseError, research.CodeScrapeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
