package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves the metrics endpoint for processes without an HTTP API
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// NewServer creates a server on addr that responds only to path
func NewServer(log zerolog.Logger, addr, path string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:    log.With().Str("component", "metrics-server").Logger(),
	}
}

// Start serves in the background
func (s *Server) Start() {
	s.log.Info().Str("address", s.server.Addr).Msg("metrics server started")
	go func() {
		if err := s.server.ListenAndServe(); err != nil {
			// http.ErrServerClosed is returned when Shutdown is called
			if errors.Is(err, http.ErrServerClosed) {
				s.log.Debug().Err(err).Msg("metrics server shutdown")
			} else {
				s.log.Err(err).Msg("error running metrics server")
			}
		}
	}()
}

// Shutdown stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
