package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vectoraiz/vectoraiz/pkg/correlation"
	"github.com/vectoraiz/vectoraiz/pkg/redact"
)

// noisyLoggers are third-party or chatty components pinned to WARN and above.
var noisyLoggers = map[string]bool{
	"httpclient": true,
	"filewatch":  true,
}

// fanoutHandler is the slog.Handler behind the default logger. Every record
// is augmented with service identity and correlation IDs from the context,
// string values are redacted, and the finished record is delivered both to
// the configured writers and to the in-memory ring buffer.
type fanoutHandler struct {
	level   slog.Level
	service string
	version string

	attrs      []slog.Attr
	groups     []string
	loggerName string

	shared *fanoutSinks
}

// fanoutSinks is shared across WithAttrs/WithGroup clones.
type fanoutSinks struct {
	mu         sync.Mutex
	stderr     io.Writer
	file       io.Writer
	fileOK     bool
	fileWarned bool
	ring       *RingBuffer
}

// NewHandler builds the fan-out handler. file may be nil; when a file write
// fails the handler degrades to stderr-only and records a single warning.
func NewHandler(level slog.Level, service, version string, stderr, file io.Writer, ring *RingBuffer) slog.Handler {
	return &fanoutHandler{
		level:   level,
		service: service,
		version: version,
		shared: &fanoutSinks{
			stderr: stderr,
			file:   file,
			fileOK: file != nil,
			ring:   ring,
		},
	}
}

func (h *fanoutHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	for _, a := range attrs {
		if a.Key == "logger" {
			clone.loggerName = a.Value.String()
		}
	}
	return &clone
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *fanoutHandler) Handle(ctx context.Context, rec slog.Record) error {
	if noisyLoggers[h.loggerName] && rec.Level < slog.LevelWarn {
		return nil
	}

	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	entry := map[string]any{
		"ts":      ts.UTC().Format(time.RFC3339Nano),
		"level":   levelString(rec.Level),
		"msg":     rec.Message,
		"service": h.service,
		"version": h.version,
	}
	if scope := correlation.FromContext(ctx); scope.RequestID != "" || scope.CorrelationID != "" || scope.SessionID != "" {
		if scope.RequestID != "" {
			entry["request_id"] = scope.RequestID
		}
		if scope.CorrelationID != "" {
			entry["correlation_id"] = scope.CorrelationID
		}
		if scope.SessionID != "" {
			entry["session_id"] = scope.SessionID
		}
	}

	prefix := groupPrefix(h.groups)
	for _, a := range h.attrs {
		addAttr(entry, prefix, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		addAttr(entry, prefix, a)
		return true
	})

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	h.shared.write(append(line, '\n'), entry, h.service, h.version)
	return nil
}

func (s *fanoutSinks) write(line []byte, entry map[string]any, service, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.stderr.Write(line)

	if s.fileOK {
		if _, err := s.file.Write(line); err != nil {
			s.fileOK = false
			if !s.fileWarned {
				s.fileWarned = true
				warning := map[string]any{
					"ts":      time.Now().UTC().Format(time.RFC3339Nano),
					"level":   slog.LevelWarn.String(),
					"msg":     "log file sink failed; continuing on stderr only",
					"service": service,
					"version": version,
					"error":   err.Error(),
				}
				if wline, werr := json.Marshal(warning); werr == nil {
					_, _ = s.stderr.Write(append(wline, '\n'))
				}
				if s.ring != nil {
					s.ring.Append(warning)
				}
			}
		}
	}

	if s.ring != nil {
		s.ring.Append(entry)
	}
}

// levelString renders extended levels by name instead of slog's
// "ERROR+4" notation.
func levelString(level slog.Level) string {
	if level >= slog.LevelError+4 {
		return "CRITICAL"
	}
	return level.String()
}

func groupPrefix(groups []string) string {
	prefix := ""
	for _, g := range groups {
		prefix += g + "."
	}
	return prefix
}

// addAttr flattens an attr into the entry map, applying redaction to string
// values. Group attrs recurse with a dotted prefix.
func addAttr(entry map[string]any, prefix string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := prefix + a.Key + "."
		if a.Key == "" {
			sub = prefix
		}
		for _, ga := range v.Group() {
			addAttr(entry, sub, ga)
		}
		return
	}
	key := prefix + a.Key
	entry[key] = redact.MaskValue(a.Key, normalize(v))
}

// normalize converts a slog value into a JSON-friendly Go value.
func normalize(v slog.Value) any {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v.Any()
	}
}
