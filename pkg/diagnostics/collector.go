// Package diagnostics assembles the support bundle: every collector gathers
// one slice of operational state, already redacted, and the bundler zips the
// results. Collectors are isolated from each other; one hanging or panicking
// collector degrades its own section only.
package diagnostics

import (
	"context"
	"fmt"
	"time"
)

// CollectorTimeout bounds each individual collector.
const CollectorTimeout = 10 * time.Second

// Collector is one named section of the bundle.
type Collector struct {
	// Name identifies the collector in summaries and logs.
	Name string
	// Path is the file path inside the bundle archive.
	Path string
	// Run gathers the section body. Output must already be safe to share.
	Run func(ctx context.Context) (map[string]any, error)
}

// sectionResult is a collector's outcome, successful or not.
type sectionResult struct {
	collector Collector
	body      map[string]any
	duration  time.Duration
	err       error
}

// safeCollect runs one collector with its own timeout, containing panics.
// On timeout or failure the body is nil and err describes what happened.
func safeCollect(ctx context.Context, c Collector) sectionResult {
	cctx, cancel := context.WithTimeout(ctx, CollectorTimeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		body map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("collector panicked: %T", r)}
			}
		}()
		body, err := c.Run(cctx)
		done <- outcome{body: body, err: err}
	}()

	select {
	case out := <-done:
		return sectionResult{
			collector: c,
			body:      out.body,
			duration:  time.Since(start),
			err:       out.err,
		}
	case <-cctx.Done():
		return sectionResult{
			collector: c,
			duration:  time.Since(start),
			err:       fmt.Errorf("collector %s timed out after %s", c.Name, CollectorTimeout),
		}
	}
}
