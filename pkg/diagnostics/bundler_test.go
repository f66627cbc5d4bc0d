package diagnostics

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticCollector(name, path string, body map[string]any) Collector {
	return Collector{
		Name: name,
		Path: path,
		Run: func(context.Context) (map[string]any, error) {
			return body, nil
		},
	}
}

func readArchive(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	require.NoError(t, err)

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		files[f.Name] = data
	}
	return files
}

func readJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(data, &body))
	return body
}

func TestSafeCollect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		res := safeCollect(t.Context(), staticCollector("a", "a.json", map[string]any{"k": "v"}))
		require.NoError(t, res.err)
		assert.Equal(t, "v", res.body["k"])
	})

	t.Run("error propagates", func(t *testing.T) {
		c := Collector{Name: "a", Path: "a.json", Run: func(context.Context) (map[string]any, error) {
			return nil, errors.New("gather failed")
		}}
		res := safeCollect(t.Context(), c)
		assert.EqualError(t, res.err, "gather failed")
	})

	t.Run("panic contained as type name", func(t *testing.T) {
		c := Collector{Name: "a", Path: "a.json", Run: func(context.Context) (map[string]any, error) {
			panic("boom")
		}}
		res := safeCollect(t.Context(), c)
		assert.EqualError(t, res.err, "collector panicked: string")
	})

	t.Run("timeout", func(t *testing.T) {
		c := Collector{Name: "hang", Path: "h.json", Run: func(ctx context.Context) (map[string]any, error) {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		}}
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		res := safeCollect(ctx, c)
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "timed out after")
		assert.Nil(t, res.body)
	})
}

func TestBuild(t *testing.T) {
	t.Run("packs sections with metadata", func(t *testing.T) {
		b := NewBundler("vectoraiz", "abc12345", []Collector{
			staticCollector("health", "health/health_snapshot.json", map[string]any{"status": "ok"}),
			staticCollector("config", "config/redacted_config.json", map[string]any{"port": float64(8080)}),
		})

		archive, err := b.Build(t.Context())
		require.NoError(t, err)
		files := readArchive(t, archive)

		health := readJSON(t, files["health/health_snapshot.json"])
		assert.Equal(t, "ok", health["status"])
		assert.Contains(t, health, "_collected_at")
		assert.Contains(t, health, "_collector_duration_ms")
		assert.NotContains(t, health, "_collector_error")

		summary := readJSON(t, files["collector_summary.json"])
		assert.Equal(t, float64(0), summary["failed"])
		assert.Len(t, summary["collectors"], 2)

		meta := readJSON(t, files["metadata.json"])
		assert.Equal(t, "vectoraiz", meta["service"])
		assert.Equal(t, "abc12345", meta["version"])
		assert.Equal(t, float64(1), meta["bundle_format"])

		hostID, _ := meta["host_id"].(string)
		assert.Regexp(t, "^[0-9a-f]{16}$", hostID, "machine identifier is hashed")
		if hostname, err := os.Hostname(); err == nil && hostname != "" {
			assert.NotContains(t, hostID, hostname)
		}
	})

	t.Run("failed collector still gets a section", func(t *testing.T) {
		failing := Collector{Name: "qdrant", Path: "qdrant/status.json", Run: func(context.Context) (map[string]any, error) {
			return nil, errors.New("connection refused")
		}}
		b := NewBundler("vectoraiz", "v", []Collector{
			staticCollector("health", "health/health_snapshot.json", map[string]any{"status": "ok"}),
			failing,
		})

		archive, err := b.Build(t.Context())
		require.NoError(t, err)
		files := readArchive(t, archive)

		section := readJSON(t, files["qdrant/status.json"])
		assert.Equal(t, "connection refused", section["_collector_error"])

		summary := readJSON(t, files["collector_summary.json"])
		assert.Equal(t, float64(1), summary["failed"])
	})

	t.Run("logs section splits into stream and summary", func(t *testing.T) {
		logs := staticCollector("logs", "logs/recent.jsonl", map[string]any{
			"entries": []map[string]any{
				{"level": "INFO", "msg": "first"},
				{"level": "ERROR", "msg": "second"},
			},
			"summary": map[string]any{"count": 2},
		})
		b := NewBundler("vectoraiz", "v", []Collector{logs})

		archive, err := b.Build(t.Context())
		require.NoError(t, err)
		files := readArchive(t, archive)

		var lines []map[string]any
		scanner := bufio.NewScanner(bytes.NewReader(files["logs/recent.jsonl"]))
		for scanner.Scan() {
			lines = append(lines, readJSON(t, scanner.Bytes()))
		}
		require.Len(t, lines, 2)
		assert.Equal(t, "first", lines[0]["msg"])
		assert.Equal(t, "second", lines[1]["msg"])

		summary := readJSON(t, files["logs/summary.json"])
		assert.Equal(t, float64(2), summary["count"])
		assert.Contains(t, summary, "_collected_at")
	})

	t.Run("expired context fails the build", func(t *testing.T) {
		b := NewBundler("vectoraiz", "v", []Collector{
			staticCollector("health", "health/health_snapshot.json", map[string]any{}),
		})
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err := b.Build(ctx)
		assert.Error(t, err)
	})
}
