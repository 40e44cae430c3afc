package router

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/muandane/special-stack/edgeworker/internal/handlers"
	"github.com/muandane/special-stack/edgeworker/internal/middleware"
)

// Operational endpoints. Health stays reachable from any address for
// liveness probes; metrics follows the control API access policy.
const (
	HealthPath  = handlers.ControlPrefix + "/health"
	MetricsPath = handlers.ControlPrefix + "/metrics"
)

type Router struct {
	mux    *http.ServeMux
	logger *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

// Routes are the handlers the server exposes.
type Routes struct {
	Proxy      http.Handler
	Control    *handlers.ControlAPI
	Health     http.Handler
	AllowedIPs []string
}

// Setup mounts the control API, health and metrics under
// handlers.ControlPrefix and sends everything else to the proxy, so no
// origin path is shadowed.
func (r *Router) Setup(routes Routes) http.Handler {
	metricsMiddleware := middleware.NewMetricsMiddleware(handlers.ControlPrefix)

	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.Control.Register(engine.Group(handlers.ControlPrefix))

	r.mux.Handle(HealthPath, routes.Health)
	r.mux.Handle(MetricsPath, metricsMiddleware)
	r.mux.Handle(handlers.ControlPrefix+"/", engine)
	r.mux.Handle("/", routes.Proxy)

	return middleware.Chain(
		r.mux,
		middleware.WithValidation(middleware.ValidationConfig{
			Prefix:        handlers.ControlPrefix,
			ExcludedPaths: []string{handlers.ControlPrefix + "/clients"},
		}),
		middleware.WithControlAccess(middleware.ControlPolicy{
			Prefix:     handlers.ControlPrefix,
			AllowedIPs: routes.AllowedIPs,
			Public:     []string{HealthPath},
		}, r.logger),
		metricsMiddleware.WithMetrics,
		middleware.WithLogging(r.logger),
	)
}
