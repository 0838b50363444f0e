package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/config"
	"github.com/JakeFAU/catalog-archiver/internal/scheduler"
	"github.com/JakeFAU/catalog-archiver/internal/synchronizer"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// SyncRunner runs one catalog sync cycle.
type SyncRunner interface {
	Run(ctx context.Context) (synchronizer.Result, error)
}

// ScheduleRunner fans the catalog out onto the queue.
type ScheduleRunner interface {
	Run(ctx context.Context) (scheduler.Result, error)
	EnqueueOne(ctx context.Context, name string) (catalog.WorkItem, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store     catalog.Store
	Sync      SyncRunner
	Scheduler ScheduleRunner
}

// Server wires HTTP handlers to the pipeline components.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout()))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/sync", s.runSync)
		r.Post("/schedule", s.runSchedule)
		r.Get("/catalog", s.listCatalog)
		r.Get("/catalog/{name}", s.getEntity)
		r.Post("/catalog/{name}/enqueue", s.enqueueEntity)
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
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "catalog store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type syncResponse struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
}

func (s *Server) runSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sync.Run(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Fetched: res.Fetched, Inserted: res.Inserted})
}

type scheduleResponse struct {
	Listed   int `json:"listed"`
	Enqueued int `json:"enqueued"`
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Scheduler.Run(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduleResponse{Listed: res.Listed, Enqueued: res.Enqueued})
}

type catalogResponse struct {
	Count    int              `json:"count"`
	Entities []catalog.Entity `json:"entities"`
}

func (s *Server) listCatalog(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.List(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, catalogResponse{Count: len(rows), Entities: rows})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) enqueueEntity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := catalog.ValidateName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := s.deps.Scheduler.EnqueueOne(r.Context(), name)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// writeFailure maps the error taxonomy onto HTTP status codes.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	var (
		fe *catalog.FetchError
		se *catalog.StoreError
		qe *catalog.QueueError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "entity not found")
		return
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &fe):
		status = http.StatusBadGateway
	case errors.As(err, &se), errors.As(err, &qe):
		status = http.StatusServiceUnavailable
	}
	s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
