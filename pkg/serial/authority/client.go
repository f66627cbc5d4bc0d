// Package authority is the HTTP client for the remote serial authority.
// Transport failures on the documented endpoints are retried on a short
// fixed schedule; HTTP status codes are never retried and propagate to the
// caller as typed results.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/vectoraiz/vectoraiz/pkg/logging"
)

// DefaultTimeout bounds each individual request.
const DefaultTimeout = 10 * time.Second

// retrySchedule is the fixed backoff between transport-error retries:
// three attempts total.
var retrySchedule = []time.Duration{time.Second, 3 * time.Second}

// Client talks to the serial authority. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// New creates a client for the given authority base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     logging.Component("httpclient"),
	}
}

// NewWithHTTPClient injects a custom http.Client, for tests.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	c := New(baseURL)
	c.http = hc
	return c
}

// Activate exchanges a bootstrap token for an install token.
func (c *Client) Activate(ctx context.Context, serial, bootstrapToken, instanceID, hostname, version string) ActivateResult {
	body := map[string]any{
		"bootstrap_token": bootstrapToken,
		"instance_id":     instanceID,
		"hostname":        hostname,
		"app_version":     version,
	}
	status, data, err := c.do(ctx, http.MethodPost, "/api/v1/serials/"+serial+"/activate", body, "")
	if err != nil {
		return ActivateResult{Error: err.Error()}
	}

	result := ActivateResult{StatusCode: status}
	if status < 200 || status > 299 {
		result.Error = extractError(status, data)
		return result
	}
	var payload struct {
		InstallToken string `json:"install_token"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.InstallToken == "" {
		result.Error = "activate response missing install_token"
		return result
	}
	result.Success = true
	result.InstallToken = payload.InstallToken
	return result
}

// Meter charges one operation. The request_id is the idempotency key; the
// authority deduplicates replays against it. Both 200 and 402 carry a valid
// decision body.
func (c *Client) Meter(ctx context.Context, serial, installToken, category string, cost float64, requestID, description string) MeterResult {
	body := map[string]any{
		"install_token": installToken,
		"category":      category,
		"cost_usd":      cost,
		"request_id":    requestID,
		"description":   description,
	}
	status, data, err := c.do(ctx, http.MethodPost, "/api/v1/serials/"+serial+"/meter", body, "")
	if err != nil {
		return MeterResult{Category: category, Error: err.Error()}
	}

	result := MeterResult{Category: category, StatusCode: status}
	if status != http.StatusOK && status != http.StatusPaymentRequired {
		result.Error = extractError(status, data)
		return result
	}
	var payload struct {
		Allowed        bool    `json:"allowed"`
		Category       string  `json:"category"`
		CostUSD        float64 `json:"cost_usd"`
		RemainingUSD   string  `json:"remaining_usd"`
		Reason         string  `json:"reason"`
		PaymentEnabled bool    `json:"payment_enabled"`
		Migrated       bool    `json:"migrated"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		result.Error = fmt.Sprintf("meter response unparseable: %v", err)
		return result
	}
	result.Allowed = payload.Allowed
	if payload.Category != "" {
		result.Category = payload.Category
	}
	result.Cost = payload.CostUSD
	result.Remaining = payload.RemainingUSD
	result.Reason = payload.Reason
	result.PaymentEnabled = payload.PaymentEnabled
	result.Migrated = payload.Migrated
	return result
}

// Status polls the authority status endpoint with bearer auth.
func (c *Client) Status(ctx context.Context, serial, installToken string) StatusResult {
	status, data, err := c.do(ctx, http.MethodGet, "/api/v1/serials/"+serial+"/status", nil, installToken)
	if err != nil {
		return StatusResult{Error: err.Error()}
	}

	result := StatusResult{StatusCode: status}
	if status < 200 || status > 299 {
		result.Error = extractError(status, data)
		return result
	}
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		result.Error = fmt.Sprintf("status response unparseable: %v", err)
		return result
	}
	result.Success = true
	result.Data = payload
	if migrated, ok := payload["migrated"].(bool); ok {
		result.Migrated = migrated
	}
	return result
}

// Refresh exchanges the current install token for a fresh one.
func (c *Client) Refresh(ctx context.Context, serial, installToken, instanceID string) RefreshResult {
	body := map[string]any{
		"install_token": installToken,
		"instance_id":   instanceID,
	}
	status, data, err := c.do(ctx, http.MethodPost, "/api/v1/serials/"+serial+"/refresh", body, "")
	if err != nil {
		return RefreshResult{Error: err.Error()}
	}

	result := RefreshResult{StatusCode: status}
	if status < 200 || status > 299 {
		result.Error = extractError(status, data)
		return result
	}
	var payload struct {
		InstallToken string `json:"install_token"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.InstallToken == "" {
		result.Error = "refresh response missing install_token"
		return result
	}
	result.Success = true
	result.InstallToken = payload.InstallToken
	return result
}

// do performs one request with transport-error retries. Every call here is
// idempotent at the authority (meter via its request_id), so replaying a
// request that produced no response is safe. Returns status 0 and an error
// only when the retry budget is exhausted without any HTTP response.
func (c *Client) do(ctx context.Context, method, path string, body any, bearer string) (int, []byte, error) {
	var reqBody []byte
	if body != nil {
		var err error
		if reqBody, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	var (
		status   int
		respBody []byte
	)
	attempt := func() error {
		var reader io.Reader
		if reqBody != nil {
			reader = bytes.NewReader(reqBody)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Connection or timeout error: retryable.
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		status = resp.StatusCode
		respBody = data
		return nil
	}

	sched := backoff.WithContext(newFixedSchedule(retrySchedule), ctx)
	if err := backoff.Retry(attempt, sched); err != nil {
		c.log.Warn("authority request failed after retries",
			"method", method, "path", path, "error", err)
		return 0, nil, fmt.Errorf("authority unreachable: %w", err)
	}
	return status, respBody, nil
}

// extractError pulls a human-readable error out of a non-2xx body.
func extractError(status int, body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"error", "detail", "message"} {
			if msg, ok := payload[key].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// fixedSchedule is a backoff.BackOff yielding a fixed delay sequence then
// stopping.
type fixedSchedule struct {
	delays []time.Duration
	idx    int
}

func newFixedSchedule(delays []time.Duration) *fixedSchedule {
	return &fixedSchedule{delays: delays}
}

func (s *fixedSchedule) NextBackOff() time.Duration {
	if s.idx >= len(s.delays) {
		return backoff.Stop
	}
	d := s.delays[s.idx]
	s.idx++
	return d
}

func (s *fixedSchedule) Reset() { s.idx = 0 }
