package api

import (
	"net/http"
	"runtime"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// SystemInfoResponse is returned by GET /api/v1/system/info.
type SystemInfoResponse struct {
	Service   string  `json:"service"`
	Version   string  `json:"version"`
	GoVersion string  `json:"go_version"`
	Mode      string  `json:"mode"`
	UptimeS   float64 `json:"uptime_s"`
	StartedAt string  `json:"started_at"`
}

// SystemModeResponse is returned by GET /api/v1/system/mode.
type SystemModeResponse struct {
	Mode             string `json:"mode"`
	SerialState      string `json:"serial_state,omitempty"`
	Serial           string `json:"serial,omitempty"`
	LastStatusAt     string `json:"last_status_at,omitempty"`
	IngestionBlocked bool   `json:"ingestion_blocked"`
}

// systemInfoHandler handles GET /api/v1/system/info.
func (s *Server) systemInfoHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, SystemInfoResponse{
		Service:   "vectoraiz",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Mode:      string(s.cfg.Mode),
		UptimeS:   time.Since(s.started).Seconds(),
		StartedAt: s.started.UTC().Format(time.RFC3339),
	})
}

// systemModeHandler handles GET /api/v1/system/mode. Tokens never appear in
// the answer; the serial itself is the operator's own identifier.
func (s *Server) systemModeHandler(c *echo.Context) error {
	resp := SystemModeResponse{Mode: string(s.cfg.Mode)}
	if s.monitor != nil {
		resp.IngestionBlocked = s.monitor.IngestionBlocked()
	}
	if !s.cfg.Standalone() && s.serials != nil {
		snap := s.serials.Snapshot()
		resp.SerialState = string(snap.State)
		resp.Serial = snap.Serial
		if snap.LastStatusAt != nil {
			resp.LastStatusAt = snap.LastStatusAt.UTC().Format(time.RFC3339)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// serialStateHandler handles GET /api/v1/internal/serial/state. Internal
// only: exposes the failure counter and cached authority status, still
// without tokens.
func (s *Server) serialStateHandler(c *echo.Context) error {
	if s.cfg.Standalone() || s.serials == nil {
		return c.JSON(http.StatusOK, map[string]any{"mode": "standalone"})
	}
	snap := s.serials.Snapshot()
	body := map[string]any{
		"state":                string(snap.State),
		"serial":               snap.Serial,
		"last_app_version":     snap.LastAppVersion,
		"consecutive_failures": snap.ConsecutiveFailures,
		"status_cache":         snap.LastStatusCache,
	}
	if snap.LastStatusAt != nil {
		body["last_status_at"] = snap.LastStatusAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, body)
}

// ProvisionRequest is the body of POST /api/v1/internal/serial/provision.
type ProvisionRequest struct {
	Serial         string `json:"serial"`
	BootstrapToken string `json:"bootstrap_token"`
}

// provisionHandler handles POST /api/v1/internal/serial/provision: installs
// a serial and bootstrap token so the activation loop can take over.
func (s *Server) provisionHandler(c *echo.Context) error {
	if s.cfg.Standalone() || s.serials == nil {
		return echo.NewHTTPError(http.StatusConflict, "standalone mode has no serial machine")
	}

	var req ProvisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Serial == "" || req.BootstrapToken == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "serial and bootstrap_token are required")
	}
	if state := s.serials.State(); state == store.StateActive || state == store.StateDegraded {
		return echo.NewHTTPError(http.StatusConflict, "instance is already activated")
	}

	if err := s.serials.Provision(req.Serial, req.BootstrapToken); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"state":  string(store.StateProvisioned),
		"serial": req.Serial,
	})
}
