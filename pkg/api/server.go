// Package api is the HTTP surface of the operational control plane: health,
// issues, system info, diagnostics bundles and the internal serial
// endpoints. Product traffic (ingestion, search, chat) mounts its routes on
// the same echo instance through Echo().
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vectoraiz/vectoraiz/pkg/config"
	"github.com/vectoraiz/vectoraiz/pkg/database"
	"github.com/vectoraiz/vectoraiz/pkg/diagnostics"
	"github.com/vectoraiz/vectoraiz/pkg/errcat"
	"github.com/vectoraiz/vectoraiz/pkg/health"
	"github.com/vectoraiz/vectoraiz/pkg/issues"
	"github.com/vectoraiz/vectoraiz/pkg/monitor"
	"github.com/vectoraiz/vectoraiz/pkg/serial/metering"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// BundleRateLimit is the minimum interval between diagnostic bundles.
const BundleRateLimit = time.Minute

// Server is the HTTP server with all control-plane routes registered.
type Server struct {
	cfg      *config.Config
	registry *errcat.Registry
	tracker  *issues.Tracker
	prober   *health.Prober
	bundler  *diagnostics.Bundler
	meterer  *metering.Meterer
	serials  *store.Store
	monitor  *monitor.ResourceMonitor
	db       *database.Client
	version  string
	started  time.Time

	echo       *echo.Echo
	httpServer *http.Server

	bundleMu     sync.Mutex
	lastBundleAt time.Time
}

// Deps carries everything the server serves. Optional fields may be nil;
// the corresponding endpoints then report not_configured or stay inert.
type Deps struct {
	Config   *config.Config
	Registry *errcat.Registry
	Tracker  *issues.Tracker
	Prober   *health.Prober
	Bundler  *diagnostics.Bundler
	Meterer  *metering.Meterer
	Serials  *store.Store
	Monitor  *monitor.ResourceMonitor
	DB       *database.Client
	Version  string
	Started  time.Time
}

// NewServer builds the server and registers routes and middleware.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		registry: deps.Registry,
		tracker:  deps.Tracker,
		prober:   deps.Prober,
		bundler:  deps.Bundler,
		meterer:  deps.Meterer,
		serials:  deps.Serials,
		monitor:  deps.Monitor,
		db:       deps.DB,
		version:  deps.Version,
		started:  deps.Started,
		echo:     echo.New(),
	}

	s.echo.HTTPErrorHandler = s.errorHandler
	s.echo.Use(
		recoverMiddleware(),
		correlationMiddleware(),
		securityHeaders(),
		metricsMiddleware(),
	)
	s.registerRoutes()
	return s
}

// Echo exposes the router so product subsystems can mount their routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	auth := apiKeyAuth(s.cfg.InternalAPIKey)

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/health/deep", s.deepHealthHandler, auth)
	s.echo.GET("/health/issues", s.issuesHandler, auth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/system/info", s.systemInfoHandler)
	s.echo.GET("/system/mode", s.systemModeHandler)
	s.echo.POST("/diagnostics/bundle", s.bundleHandler, auth)

	// The same operational surface under the versioned API prefix, for
	// clients that keep everything behind /api/v1.
	s.echo.GET("/api/v1/system/info", s.systemInfoHandler)
	s.echo.GET("/api/v1/system/mode", s.systemModeHandler)
	s.echo.POST("/api/v1/diagnostics/bundle", s.bundleHandler, auth)

	s.echo.POST("/api/v1/internal/serial/provision", s.provisionHandler, auth)
	s.echo.GET("/api/v1/internal/serial/state", s.serialStateHandler, auth)
}

// Start serves until Shutdown or a listener error. Blocking.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
