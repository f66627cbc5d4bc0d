// Package health runs bounded per-component probes and aggregates them
// worst-of. Probes never leak exception details: a failed probe reports the
// error's type name only.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is a probe or aggregate health status.
type Status string

// Statuses, ordered ok < degraded < down.
const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Probe timing bounds.
const (
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout = 2 * time.Second
	// HighLatencyThreshold degrades an otherwise-ok probe.
	HighLatencyThreshold = 250 * time.Millisecond
)

// Result is one component's probe outcome.
type Result struct {
	Status     Status `json:"status"`
	LatencyMS  int64  `json:"latency_ms,omitempty"`
	DetailSafe string `json:"detail_safe,omitempty"`
}

// Probe is a named component check. Run must respect ctx; the prober also
// enforces ProbeTimeout and contains panics.
type Probe struct {
	Name string
	Run  func(ctx context.Context) Result
}

// Report is the aggregate of one deep check.
type Report struct {
	Status     Status            `json:"status"`
	CheckedAt  time.Time         `json:"checked_at"`
	Version    string            `json:"version"`
	UptimeS    float64           `json:"uptime_s"`
	Components map[string]Result `json:"components"`
}

// Prober owns the probe set.
type Prober struct {
	probes  []Probe
	version string
	started time.Time
}

// NewProber creates a prober for the given probe set.
func NewProber(version string, started time.Time, probes []Probe) *Prober {
	return &Prober{probes: probes, version: version, started: started}
}

// ProbeNames returns the registered probe names, sorted.
func (p *Prober) ProbeNames() []string {
	names := make([]string, 0, len(p.probes))
	for _, probe := range p.probes {
		names = append(names, probe.Name)
	}
	sort.Strings(names)
	return names
}

// DeepCheck runs all probes concurrently and aggregates worst-of.
func (p *Prober) DeepCheck(ctx context.Context) Report {
	results := make([]Result, len(p.probes))

	g, gctx := errgroup.WithContext(ctx)
	for i, probe := range p.probes {
		g.Go(func() error {
			results[i] = runBounded(gctx, probe)
			return nil
		})
	}
	_ = g.Wait()

	components := make(map[string]Result, len(p.probes))
	overall := StatusOK
	for i, probe := range p.probes {
		components[probe.Name] = results[i]
		overall = worse(overall, results[i].Status)
	}

	return Report{
		Status:     overall,
		CheckedAt:  time.Now().UTC(),
		Version:    p.version,
		UptimeS:    time.Since(p.started).Seconds(),
		Components: components,
	}
}

// runBounded enforces the per-probe timeout, measures latency, contains
// panics, and applies the high-latency degradation rule.
func runBounded(ctx context.Context, probe Probe) Result {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Result{Status: StatusDown, DetailSafe: fmt.Sprintf("panic:%T", r)}
			}
		}()
		done <- probe.Run(probeCtx)
	}()

	var result Result
	select {
	case result = <-done:
	case <-probeCtx.Done():
		return Result{
			Status:     StatusDown,
			LatencyMS:  time.Since(start).Milliseconds(),
			DetailSafe: "timeout",
		}
	}

	latency := time.Since(start)
	if result.LatencyMS == 0 {
		result.LatencyMS = latency.Milliseconds()
	}
	if result.Status == StatusOK && latency > HighLatencyThreshold {
		result.Status = StatusDegraded
		result.DetailSafe = "high_latency"
	}
	return result
}

// worse returns the more severe of two statuses.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusDown: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// DetailFromError produces a class-name-only safe detail for a probe error.
func DetailFromError(err error) string {
	return fmt.Sprintf("%T", err)
}
