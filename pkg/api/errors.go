package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/vectoraiz/vectoraiz/pkg/errcat"
	"github.com/vectoraiz/vectoraiz/pkg/serial/metering"
)

// ErrorBody is the sanitized error payload. Every field comes from the
// catalog entry; internal details never appear here.
type ErrorBody struct {
	Code               string   `json:"code"`
	Title              string   `json:"title"`
	Message            string   `json:"message"`
	Retryable          bool     `json:"retryable"`
	UserActionRequired bool     `json:"user_action_required"`
	Remediation        []string `json:"remediation,omitempty"`

	// Metering extensions, present only on serial denials.
	RegisterURL       string `json:"register_url,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RemainingUSD      string `json:"remaining_usd,omitempty"`
	SetupRemainingUSD string `json:"setup_remaining_usd,omitempty"`
	PaymentEnabled    *bool  `json:"payment_enabled,omitempty"`
}

// ErrorResponse nests the body under the "error" key, the shape every
// client-facing error takes.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// errorHandler is the terminal error mapper. Structured errors resolve
// through the catalog, metering errors map to their fixed serial codes, echo
// HTTP errors pass through, and anything else becomes a generic 500. The
// internal detail is logged exactly once, here.
func (s *Server) errorHandler(c *echo.Context, err error) {
	if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil && resp.Committed {
		return
	}
	ctx := c.Request().Context()

	var structured *errcat.StructuredError
	if errors.As(err, &structured) {
		s.writeStructuredError(c, structured)
		return
	}
	if body, status, ok := s.mapMeteringError(err); ok {
		slog.WarnContext(ctx, "chargeable operation denied",
			"error.code", body.Code, "error.ctx.reason", body.Reason)
		_ = c.JSON(status, ErrorResponse{Error: body})
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, map[string]any{"detail": httpErr.Message})
		return
	}

	slog.ErrorContext(ctx, "unhandled error", "error", err,
		"path", c.Request().URL.Path)
	_ = c.JSON(http.StatusInternalServerError, map[string]any{"detail": "Internal Server Error"})
}

// writeStructuredError resolves a catalog entry and writes the sanitized
// response. An unknown code is itself a defect: it is logged and the client
// sees a generic 500.
func (s *Server) writeStructuredError(c *echo.Context, serr *errcat.StructuredError) {
	ctx := c.Request().Context()

	entry, ok := s.registry.Get(serr.Code)
	if !ok {
		slog.ErrorContext(ctx, "error raised with unregistered code",
			"error.code", serr.Code, "error.message", serr.InternalDetail)
		_ = c.JSON(http.StatusInternalServerError, map[string]any{"detail": "Internal Server Error"})
		return
	}

	logArgs := []any{
		"error.code", serr.Code,
		"error.kind", entry.Domain,
		"error.message", serr.InternalDetail,
		"error.message_safe", entry.SafeMessage,
		"error.retryable", entry.Retryable,
		"error.user_action_required", entry.UserActionRequired,
	}
	for k, v := range serr.Context {
		logArgs = append(logArgs, "error.ctx."+k, v)
	}
	switch entry.Severity {
	case errcat.SeverityCritical, errcat.SeverityError:
		slog.ErrorContext(ctx, entry.Title, logArgs...)
	case errcat.SeverityWarn:
		slog.WarnContext(ctx, entry.Title, logArgs...)
	default:
		slog.InfoContext(ctx, entry.Title, logArgs...)
	}

	if s.tracker != nil && entry.Severity != errcat.SeverityDebug && entry.Severity != errcat.SeverityInfo {
		s.tracker.Record(serr.Code, "")
	}

	_ = c.JSON(entry.HTTPStatus, ErrorResponse{Error: ErrorBody{
		Code:               entry.Code,
		Title:              entry.Title,
		Message:            entry.SafeMessage,
		Retryable:          entry.Retryable,
		UserActionRequired: entry.UserActionRequired,
		Remediation:        entry.Remediation,
	}})
}

// mapMeteringError translates the typed metering denials to their fixed
// catalog codes and payloads.
func (s *Server) mapMeteringError(err error) (ErrorBody, int, bool) {
	var unprovisioned *metering.UnprovisionedError
	if errors.As(err, &unprovisioned) {
		meteringDenialsTotal.WithLabelValues("unprovisioned").Inc()
		return s.meteringBody("VAI-SER-001", ""), http.StatusForbidden, true
	}

	var activation *metering.ActivationRequiredError
	if errors.As(err, &activation) {
		meteringDenialsTotal.WithLabelValues("activation_required").Inc()
		body := s.meteringBody("VAI-SER-002", activation.Serial)
		return body, http.StatusForbidden, true
	}

	var exhausted *metering.CreditExhaustedError
	if errors.As(err, &exhausted) {
		meteringDenialsTotal.WithLabelValues("credit_exhausted").Inc()
		body := s.meteringBody("VAI-SER-003", exhausted.Serial)
		body.Reason = exhausted.Reason
		body.RemainingUSD = exhausted.RemainingUSD
		body.SetupRemainingUSD = exhausted.SetupRemainingUSD
		enabled := exhausted.PaymentEnabled
		body.PaymentEnabled = &enabled
		return body, http.StatusPaymentRequired, true
	}

	return ErrorBody{}, 0, false
}

func (s *Server) meteringBody(code, serial string) ErrorBody {
	body := ErrorBody{Code: code}
	if entry, ok := s.registry.Get(code); ok {
		body.Title = entry.Title
		body.Message = entry.SafeMessage
		body.Retryable = entry.Retryable
		body.UserActionRequired = entry.UserActionRequired
		body.Remediation = entry.Remediation
	}
	if serial != "" && s.cfg.AuthorityURL != "" {
		body.RegisterURL = s.cfg.AuthorityURL + "/register?serial=" + serial
	}
	return body
}
