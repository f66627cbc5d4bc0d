package diagnostics

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vectoraiz/vectoraiz/pkg/logging"
)

// BundleTimeout bounds the whole bundle build.
const BundleTimeout = 30 * time.Second

// Bundler runs the collector set and packs the results into a zip archive.
type Bundler struct {
	collectors []Collector
	service    string
	version    string
	log        *slog.Logger
}

// NewBundler creates a bundler over the given collectors.
func NewBundler(service, version string, collectors []Collector) *Bundler {
	return &Bundler{
		collectors: collectors,
		service:    service,
		version:    version,
		log:        logging.Component("diagnostics"),
	}
}

// Build runs every collector concurrently and returns the finished archive.
// Failed or timed-out collectors still produce their section, carrying the
// error instead of a body. Build fails only when the archive itself cannot
// be written or the overall deadline passes before any sections finish.
func (b *Bundler) Build(ctx context.Context) ([]byte, error) {
	bctx, cancel := context.WithTimeout(ctx, BundleTimeout)
	defer cancel()

	start := time.Now()
	results := make([]sectionResult, len(b.collectors))
	g, gctx := errgroup.WithContext(bctx)
	for i, c := range b.collectors {
		g.Go(func() error {
			results[i] = safeCollect(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	if err := bctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	collectedAt := time.Now().UTC()

	summary := make([]map[string]any, 0, len(results))
	failed := 0
	for _, res := range results {
		entry := map[string]any{
			"name":        res.collector.Name,
			"path":        res.collector.Path,
			"duration_ms": res.duration.Milliseconds(),
			"ok":          res.err == nil,
		}
		if res.err != nil {
			entry["error"] = res.err.Error()
			failed++
			b.log.Warn("diagnostics collector failed",
				"collector", res.collector.Name, "error", res.err)
		}
		summary = append(summary, entry)

		if err := b.writeSection(zw, res, collectedAt); err != nil {
			zw.Close()
			return nil, err
		}
	}

	if err := writeJSON(zw, "collector_summary.json", map[string]any{
		"collectors": summary,
		"failed":     failed,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}); err != nil {
		zw.Close()
		return nil, err
	}
	if err := writeJSON(zw, "metadata.json", map[string]any{
		"service":       b.service,
		"version":       b.version,
		"generated_at":  collectedAt,
		"bundle_format": 1,
		"host_id":       hashedHostID(ctx),
	}); err != nil {
		zw.Close()
		return nil, err
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	b.log.Info("diagnostics bundle built",
		"sections", len(results), "failed", failed,
		"bytes", buf.Len(), "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

// writeSection writes one collector's output. The logs section splits into a
// JSONL record stream plus a summary file; everything else is a single JSON
// document augmented with collection metadata.
func (b *Bundler) writeSection(zw *zip.Writer, res sectionResult, collectedAt time.Time) error {
	if res.collector.Name == "logs" && res.err == nil {
		return b.writeLogsSection(zw, res, collectedAt)
	}

	body := res.body
	if body == nil {
		body = map[string]any{}
	}
	body["_collected_at"] = collectedAt
	body["_collector_duration_ms"] = res.duration.Milliseconds()
	if res.err != nil {
		body["_collector_error"] = res.err.Error()
	}
	return writeJSON(zw, res.collector.Path, body)
}

func (b *Bundler) writeLogsSection(zw *zip.Writer, res sectionResult, collectedAt time.Time) error {
	entries, _ := res.body["entries"].([]map[string]any)
	w, err := zw.Create(res.collector.Path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}

	summary, _ := res.body["summary"].(map[string]any)
	if summary == nil {
		summary = map[string]any{}
	}
	summary["_collected_at"] = collectedAt
	summary["_collector_duration_ms"] = res.duration.Milliseconds()
	return writeJSON(zw, "logs/summary.json", summary)
}

func writeJSON(zw *zip.Writer, path string, body any) error {
	w, err := zw.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(body)
}
