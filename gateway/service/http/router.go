package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// RouterOptions selects the operational endpoints
type RouterOptions struct {
	HealthPath  string
	MetricsPath string
	Metrics     http.Handler // nil disables the metrics endpoint
}

// NewRouter mounts every notary route on a chi router
func NewRouter(h *NotaryHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	r.Get(healthPath, h.HealthCheck)
	if opts.Metrics != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, opts.Metrics)
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/networks", h.Networks)
		api.Post("/documents/hash", h.HashDocuments)
		api.Post("/documents/proof", h.Proof)
		api.Post("/subnet/notarize", h.Notarize)
		api.Get("/subnet/notary/{run_id}", h.Status)
		api.Get("/subnet/notary/{run_id}/history", h.History)
		api.Get("/subnet/notary/{run_id}/attempts/{attempt}", h.Attempt)
		api.Get("/subnet/audit/{run_id}", h.Audit)
		api.Post("/register-release", h.RegisterRelease)
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request served")
		})
	}
}
