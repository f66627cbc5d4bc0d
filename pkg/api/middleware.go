package api

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/vectoraiz/vectoraiz/pkg/correlation"
)

// Correlation headers echoed on every response.
const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
	headerInternalKey   = "X-Internal-API-Key"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// correlationMiddleware assigns request and correlation identifiers, carries
// them through the request context, echoes them as response headers, and
// logs request completion.
func correlationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = correlation.NewID()
			}
			correlationID := req.Header.Get(headerCorrelationID)
			if correlationID == "" {
				correlationID = correlation.NewID()
			}

			ctx := correlation.WithRequestID(req.Context(), requestID)
			ctx = correlation.WithCorrelationID(ctx, correlationID)
			c.SetRequest(req.WithContext(ctx))

			c.Response().Header().Set(headerRequestID, requestID)
			c.Response().Header().Set(headerCorrelationID, correlationID)

			start := time.Now()
			err := next(c)

			status := responseStatus(c)
			if err != nil {
				if httpErr, ok := err.(*echo.HTTPError); ok {
					status = httpErr.Code
				}
			}
			slog.InfoContext(ctx, "request completed",
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

// responseStatus reads the status echo recorded on its response wrapper.
// Zero when the handler has not written yet.
func responseStatus(c *echo.Context) int {
	resp, err := echo.UnwrapResponse(c.Response())
	if err != nil {
		return 0
	}
	return resp.Status
}

// metricsMiddleware records per-request counters and latency. Route paths in
// this service are static, so the raw URL path is a bounded label.
func metricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			start := time.Now()
			err := next(c)

			status := responseStatus(c)
			if err != nil {
				if httpErr, ok := err.(*echo.HTTPError); ok {
					status = httpErr.Code
				} else if status < 400 {
					status = http.StatusInternalServerError
				}
			}
			requestsTotal.WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(status)).Inc()
			requestDuration.WithLabelValues(req.Method, req.URL.Path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// recoverMiddleware contains handler panics: the panic is logged with its
// type and the client sees a generic 500.
func recoverMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(c.Request().Context(), "handler panicked",
						"panic", fmt.Sprintf("%v", r),
						"path", c.Request().URL.Path)
					err = echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
				}
			}()
			return next(c)
		}
	}
}

// apiKeyAuth guards internal endpoints with the shared key. With no key
// configured the endpoints stay open for local single-operator installs.
func apiKeyAuth(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if key == "" {
				return next(c)
			}
			provided := c.Request().Header.Get(headerInternalKey)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}
