package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Orders      OrderServicer
	Items       ItemServicer
	Logger      *zap.Logger
	CORSOrigins []string
	// Gatherer backs /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer
	// Ready backs /ready. Nil leaves the route unregistered.
	Ready Pinger
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return RequestLogger(next, logger) })
	r.Use(middleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigins))
	r.NotFound(NotFoundHandler().ServeHTTP)
	r.MethodNotAllowed(MethodNotAllowedHandler().ServeHTTP)

	r.Get("/health", HealthHandler)
	if cfg.Ready != nil {
		r.Get("/ready", ReadyHandler(cfg.Ready))
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/items", NewItemHandler(cfg.Items, logger).RegisterRoutes)
	r.Route("/orders", NewOrderHandler(cfg.Orders, logger).RegisterRoutes)

	return r
}
