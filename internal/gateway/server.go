// Package gateway exposes the HTTP surface: envelope ingress/egress,
// template composition, and monitoring. Status codes are part of the
// contract and map one-to-one onto the gwerrors taxonomy.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omnichat/gateway/internal/bus"
	"github.com/omnichat/gateway/internal/compose"
	"github.com/omnichat/gateway/internal/config"
	"github.com/omnichat/gateway/internal/logging"
	"github.com/omnichat/gateway/internal/metrics"
	"github.com/omnichat/gateway/internal/ratelimit"
)

// Server hosts the gateway HTTP endpoints over the bus publisher, the
// composer, and the shared limiter and metrics registry.
type Server struct {
	cfg       *config.Config
	logger    logging.ServiceLogger
	publisher *bus.Publisher
	composer  *compose.Composer
	limiter   ratelimit.Limiter
	registry  *metrics.Registry
	gatherer  prometheus.Gatherer
	auth      AuthFunc

	httpServer *http.Server
}

// NewServer wires the handler dependencies. gatherer may be nil when
// Prometheus exposition is disabled; auth may be nil to allow all
// requests.
func NewServer(cfg *config.Config, logger logging.ServiceLogger, publisher *bus.Publisher, composer *compose.Composer, limiter ratelimit.Limiter, registry *metrics.Registry, gatherer prometheus.Gatherer, auth AuthFunc) *Server {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		publisher: publisher,
		composer:  composer,
		limiter:   limiter,
		registry:  registry,
		gatherer:  gatherer,
		auth:      auth,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the chi router with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(traceMiddleware)
	r.Use(requestLogMiddleware(s.logger))
	r.Use(authMiddleware(s.auth, s.cfg.Production(), s.cfg.AuthBypassPrefixes))

	r.Route("/omni", func(r chi.Router) {
		r.Use(rateLimitMiddleware(s.limiter))
		r.Post("/inbox", s.handleInbox)
		r.Post("/outbox", s.handleOutbox)
	})

	r.Route("/messaging", func(r chi.Router) {
		r.Use(rateLimitMiddleware(s.limiter))
		r.Post("/compose", s.handleCompose)
		r.Post("/validate", s.handleValidate)
	})

	r.Route("/monitoring", func(r chi.Router) {
		r.Get("/performance", s.handlePerformance)
		if s.cfg.MetricsEnabled && s.gatherer != nil {
			r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
		}
	})

	r.Get("/healthz", s.handleHealthz)

	return r
}

// ListenAndServe blocks serving requests until Shutdown or a listener
// error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", logging.LogFields{"addr": s.cfg.HTTPAddr})
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
