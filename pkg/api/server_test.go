package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoraiz/vectoraiz/pkg/config"
	"github.com/vectoraiz/vectoraiz/pkg/diagnostics"
	"github.com/vectoraiz/vectoraiz/pkg/errcat"
	"github.com/vectoraiz/vectoraiz/pkg/health"
	"github.com/vectoraiz/vectoraiz/pkg/issues"
	"github.com/vectoraiz/vectoraiz/pkg/serial/authority"
	"github.com/vectoraiz/vectoraiz/pkg/serial/metering"
	"github.com/vectoraiz/vectoraiz/pkg/serial/queue"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()

	registry := errcat.NewRegistry()
	require.NoError(t, registry.Load(errcat.DefaultCatalog()))

	deps := Deps{
		Config: &config.Config{
			Mode:         config.ModeStandalone,
			DataDir:      t.TempDir(),
			AuthorityURL: "https://serials.example.com",
		},
		Registry: registry,
		Tracker:  issues.NewTracker(filepath.Join(t.TempDir(), "issues.json")),
		Prober:   health.NewProber("abc12345", time.Now(), nil),
		Version:  "abc12345",
		Started:  time.Now().Add(-time.Minute),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer(deps)
}

func doRequest(s *Server, method, path string, headers map[string]string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/health", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "abc12345", body["version"])
	assert.Equal(t, "vectoraiz", body["service"])
	assert.Greater(t, body["uptime_s"], 0.0)

	ts, _ := body["timestamp"].(string)
	_, err := time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)
}

func TestDeepHealthEndpoint(t *testing.T) {
	t.Run("healthy answers 200", func(t *testing.T) {
		s := newTestServer(t, func(d *Deps) {
			d.Prober = health.NewProber("v", time.Now(), []health.Probe{
				{Name: "a", Run: func(context.Context) health.Result {
					return health.Result{Status: health.StatusOK}
				}},
			})
		})
		rec := doRequest(s, http.MethodGet, "/health/deep", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	})

	t.Run("down answers 503", func(t *testing.T) {
		s := newTestServer(t, func(d *Deps) {
			d.Prober = health.NewProber("v", time.Now(), []health.Probe{
				{Name: "a", Run: func(context.Context) health.Result {
					return health.Result{Status: health.StatusDown, DetailSafe: "unhealthy_status"}
				}},
			})
		})
		rec := doRequest(s, http.MethodGet, "/health/deep", nil, "")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "down", decodeBody(t, rec)["status"])
	})

	t.Run("degraded still answers 200", func(t *testing.T) {
		s := newTestServer(t, func(d *Deps) {
			d.Prober = health.NewProber("v", time.Now(), []health.Probe{
				{Name: "a", Run: func(context.Context) health.Result {
					return health.Result{Status: health.StatusDegraded}
				}},
			})
		})
		rec := doRequest(s, http.MethodGet, "/health/deep", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDeepHealthRequiresAPIKey(t *testing.T) {
	s := newTestServer(t, func(d *Deps) { d.Config.InternalAPIKey = "internal-key" })

	for _, path := range []string{"/health/deep", "/health/issues"} {
		rec := doRequest(s, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = doRequest(s, http.MethodGet, path,
			map[string]string{headerInternalKey: "internal-key"}, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := doRequest(s, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code, "liveness stays open")
}

func TestIssuesEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(s, http.MethodGet, "/health/issues", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.NotNil(t, body["issues"], "empty list, never null")

	s.tracker.Record("VAI-DSK-002", "")
	rec = doRequest(s, http.MethodGet, "/health/issues", nil, "")
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestResponseHeaders(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("security and correlation headers set", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health", nil, "")
		assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		assert.NotEmpty(t, rec.Header().Get(headerRequestID))
		assert.NotEmpty(t, rec.Header().Get(headerCorrelationID))
		assert.NotEqual(t, rec.Header().Get(headerRequestID), rec.Header().Get(headerCorrelationID),
			"a missing correlation id is generated, not copied from the request id")
	})

	t.Run("inbound request id honored", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/health", map[string]string{
			headerRequestID:     "req-42",
			headerCorrelationID: "corr-7",
		}, "")
		assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))
		assert.Equal(t, "corr-7", rec.Header().Get(headerCorrelationID))
	})
}

func TestSystemInfoEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	rec := doRequest(s, http.MethodGet, "/api/v1/system/info", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "vectoraiz", body["service"])
	assert.Equal(t, "standalone", body["mode"])
	assert.Contains(t, body["go_version"], "go")
}

func TestSystemModeEndpoint(t *testing.T) {
	t.Run("standalone", func(t *testing.T) {
		s := newTestServer(t, nil)
		rec := doRequest(s, http.MethodGet, "/api/v1/system/mode", nil, "")
		body := decodeBody(t, rec)
		assert.Equal(t, "standalone", body["mode"])
		assert.NotContains(t, body, "serial_state")
	})

	t.Run("connected reports serial state without tokens", func(t *testing.T) {
		st, err := store.Open(filepath.Join(t.TempDir(), "serial_state.json"))
		require.NoError(t, err)
		require.NoError(t, st.Provision("VZ-1", "bootstrap-secret"))

		s := newTestServer(t, func(d *Deps) {
			d.Config.Mode = config.ModeConnected
			d.Config.InternalAPIKey = "internal-key"
			d.Serials = st
		})
		rec := doRequest(s, http.MethodGet, "/api/v1/system/mode", nil, "")
		body := decodeBody(t, rec)
		assert.Equal(t, "connected", body["mode"])
		assert.Equal(t, string(store.StateProvisioned), body["serial_state"])
		assert.Equal(t, "VZ-1", body["serial"])
		assert.NotContains(t, rec.Body.String(), "bootstrap-secret")
	})
}

func TestDocumentedPathAliases(t *testing.T) {
	bundler := diagnostics.NewBundler("vectoraiz", "v", []diagnostics.Collector{
		{Name: "health", Path: "health/health_snapshot.json",
			Run: func(context.Context) (map[string]any, error) {
				return map[string]any{"status": "ok"}, nil
			}},
	})
	s := newTestServer(t, func(d *Deps) { d.Bundler = bundler })

	rec := doRequest(s, http.MethodGet, "/system/info", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vectoraiz", decodeBody(t, rec)["service"])

	rec = doRequest(s, http.MethodGet, "/system/mode", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "standalone", decodeBody(t, rec)["mode"])

	rec = doRequest(s, http.MethodPost, "/diagnostics/bundle", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
}

func TestStructuredErrorMapping(t *testing.T) {
	t.Run("catalog code resolves to sanitized payload", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.echo.GET("/boom", func(c *echo.Context) error {
			return errcat.New("VAI-DSK-001", "statfs: /data 2% free", map[string]any{"free_percent": 2})
		})

		rec := doRequest(s, http.MethodGet, "/boom", nil, "")
		require.Equal(t, http.StatusInsufficientStorage, rec.Code)
		body := decodeBody(t, rec)
		errBody, ok := body["error"].(map[string]any)
		require.True(t, ok, "payload nests under the error key")
		assert.Equal(t, "VAI-DSK-001", errBody["code"])
		assert.NotEmpty(t, errBody["title"])
		assert.NotEmpty(t, errBody["message"])
		assert.Equal(t, false, errBody["retryable"])
		assert.Equal(t, true, errBody["user_action_required"])
		assert.NotEmpty(t, errBody["remediation"])
		assert.NotContains(t, errBody, "severity")
		assert.NotContains(t, errBody, "docs_url")
		assert.NotContains(t, errBody, "correlation_id")
		assert.NotContains(t, rec.Body.String(), "statfs", "internal detail never leaves the process")

		var codes []string
		for _, issue := range s.tracker.ActiveIssues() {
			codes = append(codes, issue.Code)
		}
		assert.Contains(t, codes, "VAI-DSK-001")
	})

	t.Run("unregistered code becomes generic 500", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.echo.GET("/boom", func(c *echo.Context) error {
			return &errcat.StructuredError{Code: "VAI-ZZZ-999", InternalDetail: "hidden"}
		})

		rec := doRequest(s, http.MethodGet, "/boom", nil, "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "Internal Server Error", decodeBody(t, rec)["detail"])
		assert.NotContains(t, rec.Body.String(), "hidden")
	})

	t.Run("handler panic becomes generic 500", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.echo.GET("/panic", func(c *echo.Context) error {
			panic("secret state")
		})

		rec := doRequest(s, http.MethodGet, "/panic", nil, "")
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "secret state")
	})
}

// meterFixture wires a connected-mode server with a chargeable test route.
func meterFixture(t *testing.T, st *store.Store, result authority.MeterResult) *Server {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "meter_queue.ndjson"))
	require.NoError(t, err)
	client := &staticAuthority{result: result}
	meterer := metering.NewMeterer(false, st, metering.NewSerialStrategy(st, client, q))

	s := newTestServer(t, func(d *Deps) {
		d.Config.Mode = config.ModeConnected
		d.Config.InternalAPIKey = "internal-key"
		d.Serials = st
		d.Meterer = meterer
	})
	s.echo.POST("/api/v1/search", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"ok": true})
	}, RequireMetering(meterer, nil))
	return s
}

type staticAuthority struct {
	result authority.MeterResult
}

func (a *staticAuthority) Meter(context.Context, string, string, string, float64, string, string) authority.MeterResult {
	return a.result
}

func TestMeteringDenialMapping(t *testing.T) {
	newStore := func(t *testing.T) *store.Store {
		st, err := store.Open(filepath.Join(t.TempDir(), "serial_state.json"))
		require.NoError(t, err)
		return st
	}

	t.Run("unprovisioned answers 403", func(t *testing.T) {
		s := meterFixture(t, newStore(t), authority.MeterResult{})

		rec := doRequest(s, http.MethodPost, "/api/v1/search", nil, "")
		require.Equal(t, http.StatusForbidden, rec.Code)
		errBody := decodeBody(t, rec)["error"].(map[string]any)
		assert.Equal(t, "VAI-SER-001", errBody["code"])
	})

	t.Run("provisioned data work answers 403 with register url", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Provision("VZ-1", "bt"))
		s := meterFixture(t, st, authority.MeterResult{})

		rec := doRequest(s, http.MethodPost, "/api/v1/search", nil, "")
		require.Equal(t, http.StatusForbidden, rec.Code)
		errBody := decodeBody(t, rec)["error"].(map[string]any)
		assert.Equal(t, "VAI-SER-002", errBody["code"])
		assert.Equal(t, "https://serials.example.com/register?serial=VZ-1", errBody["register_url"])
	})

	t.Run("exhausted credits answer 402", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Provision("VZ-1", "bt"))
		require.NoError(t, st.TransitionToActive("it"))
		s := meterFixture(t, st, authority.MeterResult{
			Allowed: false, StatusCode: 402,
			Reason: "credits_exhausted", Remaining: "0.00", PaymentEnabled: true,
		})

		rec := doRequest(s, http.MethodPost, "/api/v1/search", nil, "")
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		errBody := decodeBody(t, rec)["error"].(map[string]any)
		assert.Equal(t, "VAI-SER-003", errBody["code"])
		assert.Equal(t, "credits_exhausted", errBody["reason"])
		assert.Equal(t, "0.00", errBody["remaining_usd"])
		assert.Equal(t, true, errBody["payment_enabled"])
	})

	t.Run("allowed request passes and echoes the meter id", func(t *testing.T) {
		st := newStore(t)
		require.NoError(t, st.Provision("VZ-1", "bt"))
		require.NoError(t, st.TransitionToActive("it"))
		s := meterFixture(t, st, authority.MeterResult{Allowed: true, StatusCode: 200})

		rec := doRequest(s, http.MethodPost, "/api/v1/search", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get(headerMeterRequestID), "vz:"))
	})
}

func TestAPIKeyAuth(t *testing.T) {
	t.Run("missing key rejected", func(t *testing.T) {
		s := newTestServer(t, func(d *Deps) { d.Config.InternalAPIKey = "internal-key" })

		rec := doRequest(s, http.MethodGet, "/api/v1/internal/serial/state", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key accepted", func(t *testing.T) {
		s := newTestServer(t, func(d *Deps) { d.Config.InternalAPIKey = "internal-key" })

		rec := doRequest(s, http.MethodGet, "/api/v1/internal/serial/state",
			map[string]string{headerInternalKey: "internal-key"}, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("no configured key leaves endpoints open", func(t *testing.T) {
		s := newTestServer(t, nil)

		rec := doRequest(s, http.MethodGet, "/api/v1/internal/serial/state", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestBundleEndpoint(t *testing.T) {
	newBundleServer := func(t *testing.T) *Server {
		bundler := diagnostics.NewBundler("vectoraiz", "v", []diagnostics.Collector{
			{Name: "health", Path: "health/health_snapshot.json",
				Run: func(context.Context) (map[string]any, error) {
					return map[string]any{"status": "ok"}, nil
				}},
		})
		return newTestServer(t, func(d *Deps) { d.Bundler = bundler })
	}

	t.Run("returns a zip attachment", func(t *testing.T) {
		s := newBundleServer(t)

		rec := doRequest(s, http.MethodPost, "/api/v1/diagnostics/bundle", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), "vectoraiz-diagnostics-")
		assert.Equal(t, "PK", rec.Body.String()[:2], "zip magic")
	})

	t.Run("second request inside the window answers 429", func(t *testing.T) {
		s := newBundleServer(t)
		require.Equal(t, http.StatusOK,
			doRequest(s, http.MethodPost, "/api/v1/diagnostics/bundle", nil, "").Code)

		rec := doRequest(s, http.MethodPost, "/api/v1/diagnostics/bundle", nil, "")
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	})
}

func TestProvisionEndpoint(t *testing.T) {
	t.Run("standalone answers 409", func(t *testing.T) {
		s := newTestServer(t, nil)

		rec := doRequest(s, http.MethodPost, "/api/v1/internal/serial/provision", nil,
			`{"serial":"VZ-1","bootstrap_token":"bt"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("connected flow", func(t *testing.T) {
		st, err := store.Open(filepath.Join(t.TempDir(), "serial_state.json"))
		require.NoError(t, err)
		s := newTestServer(t, func(d *Deps) {
			d.Config.Mode = config.ModeConnected
			d.Config.InternalAPIKey = "internal-key"
			d.Serials = st
		})
		auth := map[string]string{headerInternalKey: "internal-key"}

		rec := doRequest(s, http.MethodPost, "/api/v1/internal/serial/provision", auth,
			`{"serial":"VZ-1","bootstrap_token":"bt"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, string(store.StateProvisioned), body["state"])
		assert.Equal(t, "VZ-1", body["serial"])
		assert.Equal(t, store.StateProvisioned, st.State())

		// Missing fields.
		rec = doRequest(s, http.MethodPost, "/api/v1/internal/serial/provision", auth,
			`{"serial":""}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		// Re-provisioning an activated instance is rejected.
		require.NoError(t, st.TransitionToActive("it"))
		rec = doRequest(s, http.MethodPost, "/api/v1/internal/serial/provision", auth,
			`{"serial":"VZ-2","bootstrap_token":"bt2"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
