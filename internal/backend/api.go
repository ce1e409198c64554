package backend

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"procodus.dev/biosync/pkg/metrics"
)

// APIConfig holds the dependencies of the operator HTTP API.
type APIConfig struct {
	Logger   *slog.Logger
	Pipeline *Pipeline
	// Metrics is optional.
	Metrics *metrics.APIMetrics
}

// API serves the operator endpoints of one pipeline.
type API struct {
	logger   *slog.Logger
	pipeline *Pipeline
	validate *validator.Validate
	metrics  *metrics.APIMetrics
}

// NewAPI creates the operator API.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("pipeline cannot be nil")
	}
	return &API{
		logger:   cfg.Logger.With("component", "api"),
		pipeline: cfg.Pipeline,
		validate: validator.New(),
		metrics:  cfg.Metrics,
	}, nil
}

// Handler returns the routed API.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(a.logger))
	r.Use(observeMiddleware(a.logger, a.metrics))

	r.Get("/health", a.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/sync", a.triggerSync)
		r.Get("/devices/status", a.deviceStatus)

		r.Get("/mappings", a.listMappings)
		r.Post("/mappings", a.createMapping)
		r.Delete("/mappings/{mappingID}", a.deactivateMapping)
		r.Post("/mappings/{mappingID}/refresh", a.refreshMapping)

		r.Get("/events", a.listEvents)
		r.Post("/events/backfill", a.backfill)

		r.Get("/attendance", a.listAttendance)
	})

	return r
}
