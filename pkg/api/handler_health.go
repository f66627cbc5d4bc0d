package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/vectoraiz/vectoraiz/pkg/health"
	"github.com/vectoraiz/vectoraiz/pkg/issues"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string  `json:"status"`
	Version   string  `json:"version"`
	Service   string  `json:"service"`
	UptimeS   float64 `json:"uptime_s"`
	Timestamp string  `json:"timestamp"`
}

// IssuesResponse is returned by GET /health/issues.
type IssuesResponse struct {
	Issues []issues.Issue `json:"issues"`
	Count  int            `json:"count"`
}

// healthHandler handles GET /health.
// A minimal liveness answer with no dependency checks: orchestrators must
// not restart the process because an external dependency is down.
func (s *Server) healthHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.version,
		Service:   "vectoraiz",
		UptimeS:   time.Since(s.started).Seconds(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// deepHealthHandler handles GET /health/deep. Probes run concurrently, each
// under its own timeout; the aggregate is worst-of. A down aggregate answers
// 503 so load balancers stop routing.
func (s *Server) deepHealthHandler(c *echo.Context) error {
	report := s.prober.DeepCheck(c.Request().Context())

	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

// issuesHandler handles GET /health/issues.
func (s *Server) issuesHandler(c *echo.Context) error {
	active := s.tracker.ActiveIssues()
	if active == nil {
		active = []issues.Issue{}
	}
	return c.JSON(http.StatusOK, IssuesResponse{Issues: active, Count: len(active)})
}
