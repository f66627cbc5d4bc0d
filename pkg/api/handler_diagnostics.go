package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// bundleHandler handles POST /api/v1/diagnostics/bundle. At most one bundle
// per minute: collection walks the whole process and the host, and a
// stampede of bundles is itself an operational problem.
func (s *Server) bundleHandler(c *echo.Context) error {
	s.bundleMu.Lock()
	if since := time.Since(s.lastBundleAt); since < BundleRateLimit {
		retryAfter := int((BundleRateLimit - since).Seconds()) + 1
		s.bundleMu.Unlock()
		c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		return echo.NewHTTPError(http.StatusTooManyRequests,
			"a diagnostics bundle was generated recently, try again later")
	}
	s.lastBundleAt = time.Now()
	s.bundleMu.Unlock()

	archive, err := s.bundler.Build(c.Request().Context())
	if err != nil {
		bundlesTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return echo.NewHTTPError(http.StatusGatewayTimeout, "diagnostics collection timed out")
		}
		return err
	}
	bundlesTotal.WithLabelValues("ok").Inc()

	if s.db != nil {
		// Audit is best-effort; a failed insert must not fail the bundle.
		if err := s.db.RecordEvent(c.Request().Context(), "bundle_generated",
			fmt.Sprintf("%d bytes", len(archive))); err != nil {
			slog.WarnContext(c.Request().Context(), "failed to audit bundle generation", "error", err)
		}
	}

	filename := fmt.Sprintf("vectoraiz-diagnostics-%s.zip", time.Now().UTC().Format("20060102-150405"))
	c.Response().Header().Set("Content-Disposition", "attachment; filename="+filename)
	return c.Blob(http.StatusOK, "application/zip", archive)
}
