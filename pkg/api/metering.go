package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/vectoraiz/vectoraiz/pkg/errcat"
	"github.com/vectoraiz/vectoraiz/pkg/monitor"
	"github.com/vectoraiz/vectoraiz/pkg/serial/metering"
)

// headerActiveView names the co-pilot view a request originates from. It
// drives the billing category; requests without it bill as data work.
const headerActiveView = "X-Active-View"

// headerMeterRequestID echoes the idempotent metering identifier so clients
// can correlate charges.
const headerMeterRequestID = "X-Meter-Request-ID"

// RequireMetering guards a chargeable product route. The request is first
// checked against the resource guard, then decided and metered; denials
// surface as the typed metering errors which the error handler maps to
// their catalog codes.
//
// Product routers mount this per route group:
//
//	g := srv.Echo().Group("/api/v1/search", api.RequireMetering(meterer, mon))
func RequireMetering(meterer *metering.Meterer, mon *monitor.ResourceMonitor) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			category := metering.ClassifyView(req.Header.Get(headerActiveView))

			if mon != nil && mon.IngestionBlocked() && category == metering.CategorySetup {
				return errcat.New("VAI-DSK-001",
					"setup operation rejected while disk space is critical",
					map[string]any{"path": req.URL.Path})
			}

			decision, err := meterer.Check(req.Context(), req.Method, req.URL.Path, category, 0)
			if err != nil {
				return err
			}
			if decision.RequestID != "" {
				c.Response().Header().Set(headerMeterRequestID, decision.RequestID)
			}
			return next(c)
		}
	}
}
