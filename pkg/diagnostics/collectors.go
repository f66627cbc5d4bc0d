package diagnostics

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vectoraiz/vectoraiz/pkg/config"
	"github.com/vectoraiz/vectoraiz/pkg/database"
	"github.com/vectoraiz/vectoraiz/pkg/errcat"
	"github.com/vectoraiz/vectoraiz/pkg/health"
	"github.com/vectoraiz/vectoraiz/pkg/issues"
	"github.com/vectoraiz/vectoraiz/pkg/logging"
	"github.com/vectoraiz/vectoraiz/pkg/redact"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// Bundle section limits.
const (
	// MaxLogEntries caps the recent-log section.
	MaxLogEntries = 1000
	// MaxErrorEntries caps the recent-error section.
	MaxErrorEntries = 100
	// MaxProcesses caps the process listing.
	MaxProcesses = 15
	// MaxAuditEvents caps the recent-audit slice in the connectivity section.
	MaxAuditEvents = 20
)

// HealthCollector snapshots the deep health report.
func HealthCollector(prober *health.Prober) Collector {
	return Collector{
		Name: "health",
		Path: "health/health_snapshot.json",
		Run: func(ctx context.Context) (map[string]any, error) {
			report := prober.DeepCheck(ctx)
			components := make(map[string]any, len(report.Components))
			for name, result := range report.Components {
				components[name] = result
			}
			return map[string]any{
				"status":     string(report.Status),
				"checked_at": report.CheckedAt,
				"version":    report.Version,
				"uptime_s":   report.UptimeS,
				"components": components,
			}, nil
		},
	}
}

// ConfigCollector snapshots the effective configuration with every secret
// masked. The raw snapshot never leaves this function.
func ConfigCollector(cfg *config.Config) Collector {
	return Collector{
		Name: "config",
		Path: "config/redacted_config.json",
		Run: func(_ context.Context) (map[string]any, error) {
			return redact.RedactMap(cfg.Snapshot()), nil
		},
	}
}

// LogsCollector captures the most recent log records plus a per-level
// summary. Records in the ring are already redacted at write time.
func LogsCollector(ring *logging.RingBuffer) Collector {
	return Collector{
		Name: "logs",
		Path: "logs/recent.jsonl",
		Run: func(_ context.Context) (map[string]any, error) {
			entries := ring.Entries(MaxLogEntries)
			byLevel := make(map[string]int)
			for _, e := range entries {
				if level, ok := e["level"].(string); ok {
					byLevel[level]++
				}
			}
			return map[string]any{
				"entries": entries,
				"summary": map[string]any{
					"count":    len(entries),
					"by_level": byLevel,
					"capacity": ring.Len(),
				},
			}, nil
		},
	}
}

// SystemCollector captures runtime and host facts. The machine identifier is
// hashed so bundles cannot be correlated back to hardware.
func SystemCollector(version string, started time.Time) Collector {
	return Collector{
		Name: "system",
		Path: "system/runtime.json",
		Run: func(ctx context.Context) (map[string]any, error) {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			body := map[string]any{
				"version":       version,
				"go_version":    runtime.Version(),
				"goos":          runtime.GOOS,
				"goarch":        runtime.GOARCH,
				"num_cpu":       runtime.NumCPU(),
				"num_goroutine": runtime.NumGoroutine(),
				"heap_alloc_b":  ms.HeapAlloc,
				"heap_sys_b":    ms.HeapSys,
				"gc_cycles":     ms.NumGC,
				"uptime_s":      time.Since(started).Seconds(),
				"started_at":    started.UTC(),
			}
			if hostID, err := host.HostIDWithContext(ctx); err == nil {
				body["host_id"] = hashIdentifier(hostID)
			}
			if info, err := host.InfoWithContext(ctx); err == nil {
				body["os"] = info.OS
				body["platform"] = info.Platform
				body["platform_version"] = info.PlatformVersion
				body["kernel_version"] = info.KernelVersion
			}
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				body["mem_total_b"] = vm.Total
				body["mem_available_b"] = vm.Available
			}
			return body, nil
		},
	}
}

// QdrantCollector checks vector store reachability and reports latency.
func QdrantCollector(baseURL string, client *http.Client) Collector {
	if client == nil {
		client = &http.Client{Timeout: health.ProbeTimeout}
	}
	return Collector{
		Name: "qdrant",
		Path: "qdrant/status.json",
		Run: func(ctx context.Context) (map[string]any, error) {
			if baseURL == "" {
				return map[string]any{"configured": false}, nil
			}
			start := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/readyz", nil)
			if err != nil {
				return nil, err
			}
			resp, err := client.Do(req)
			if err != nil {
				return map[string]any{
					"configured": true,
					"reachable":  false,
					"error":      health.DetailFromError(err),
				}, nil
			}
			defer resp.Body.Close()
			return map[string]any{
				"configured":  true,
				"reachable":   true,
				"status_code": resp.StatusCode,
				"latency_ms":  time.Since(start).Milliseconds(),
			}, nil
		},
	}
}

// DatabaseCollector pings the relational store and attaches pool statistics.
func DatabaseCollector(ping func(ctx context.Context) error, stats func() map[string]any) Collector {
	return Collector{
		Name: "database",
		Path: "database/status.json",
		Run: func(ctx context.Context) (map[string]any, error) {
			if ping == nil {
				return map[string]any{"configured": false}, nil
			}
			body := map[string]any{"configured": true}
			start := time.Now()
			if err := ping(ctx); err != nil {
				body["reachable"] = false
				body["error"] = health.DetailFromError(err)
				return body, nil
			}
			body["reachable"] = true
			body["latency_ms"] = time.Since(start).Milliseconds()
			if stats != nil {
				body["pool"] = stats()
			}
			return body, nil
		},
	}
}

// ErrorsCollector dumps the error catalog and the most recent error-level
// log records.
func ErrorsCollector(registry *errcat.Registry, ring *logging.RingBuffer) Collector {
	return Collector{
		Name: "errors",
		Path: "errors/errors.json",
		Run: func(_ context.Context) (map[string]any, error) {
			var recent []map[string]any
			for _, e := range ring.Entries(0) {
				level, _ := e["level"].(string)
				if level != "ERROR" && level != "CRITICAL" {
					continue
				}
				recent = append(recent, e)
			}
			if len(recent) > MaxErrorEntries {
				recent = recent[len(recent)-MaxErrorEntries:]
			}
			return map[string]any{
				"catalog_schema_version": registry.SchemaVersion(),
				"catalog":                registry.Dump(),
				"recent_errors":          recent,
			}, nil
		},
	}
}

// IssuesCollector reports currently active tracked issues.
func IssuesCollector(tracker *issues.Tracker) Collector {
	return Collector{
		Name: "issues",
		Path: "issues/active.json",
		Run: func(_ context.Context) (map[string]any, error) {
			active := tracker.ActiveIssues()
			return map[string]any{
				"active":  active,
				"count":   len(active),
				"tracked": tracker.Len(),
			}, nil
		},
	}
}

// SerialCollector reports the metering state machine position without
// exposing tokens.
func SerialCollector(standalone bool, st *store.Store) Collector {
	return Collector{
		Name: "serial",
		Path: "serial/state.json",
		Run: func(_ context.Context) (map[string]any, error) {
			if standalone {
				return map[string]any{"mode": "standalone"}, nil
			}
			snap := st.Snapshot()
			body := map[string]any{
				"mode":                 "connected",
				"state":                string(snap.State),
				"serial":               snap.Serial,
				"last_app_version":     snap.LastAppVersion,
				"consecutive_failures": snap.ConsecutiveFailures,
			}
			if snap.LastStatusAt != nil {
				body["last_status_at"] = snap.LastStatusAt.UTC()
			}
			return body, nil
		},
	}
}

// TaskStatus describes one of the service's own background loops.
type TaskStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// ProcessCollector reports the service's background tasks, with the
// heaviest host processes attached as supplementary context. Process names
// pass through label sanitization.
func ProcessCollector(tasks func() []TaskStatus) Collector {
	return Collector{
		Name: "processes",
		Path: "system/processes.json",
		Run: func(ctx context.Context) (map[string]any, error) {
			var list []TaskStatus
			if tasks != nil {
				list = tasks()
			}
			running := 0
			statuses := make([]any, len(list))
			for i, t := range list {
				if t.Running {
					running++
				}
				statuses[i] = t
			}
			body := map[string]any{
				"tasks":         statuses,
				"tasks_running": running,
			}

			procs, err := process.ProcessesWithContext(ctx)
			if err != nil {
				body["host_error"] = health.DetailFromError(err)
				return body, nil
			}
			type procInfo struct {
				PID  int32  `json:"pid"`
				Name string `json:"name"`
				RSS  uint64 `json:"rss_b"`
			}
			infos := make([]procInfo, 0, len(procs))
			for _, p := range procs {
				name, err := p.NameWithContext(ctx)
				if err != nil {
					continue
				}
				var rss uint64
				if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
					rss = memInfo.RSS
				}
				infos = append(infos, procInfo{
					PID:  p.Pid,
					Name: redact.SanitizeLabel(name),
					RSS:  rss,
				})
			}
			sort.Slice(infos, func(i, j int) bool { return infos[i].RSS > infos[j].RSS })
			if len(infos) > MaxProcesses {
				infos = infos[:MaxProcesses]
			}
			listed := make([]any, len(infos))
			for i, info := range infos {
				listed[i] = info
			}
			body["host_total"] = len(procs)
			body["host_top"] = listed
			body["host_sorted"] = "rss_desc"
			return body, nil
		},
	}
}

// ConnectivityDeps wires the connectivity collector. Every field is
// optional; missing ones leave their section out.
type ConnectivityDeps struct {
	AuthorityURL string
	Client       *http.Client
	Store        *store.Store
	Gatherer     prometheus.Gatherer
	RecentEvents func(ctx context.Context, limit int) ([]database.AuditEvent, error)
}

// ConnectivityCollector reports the state of the external surface: whether
// the authority answers at all, which external tokens are held (presence
// only, never values), a metrics snapshot, and the latest audit events.
func ConnectivityCollector(d ConnectivityDeps) Collector {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: health.ProbeTimeout}
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return Collector{
		Name: "connectivity",
		Path: "connectivity/authority.json",
		Run: func(ctx context.Context) (map[string]any, error) {
			body := map[string]any{
				"authority": pingAuthority(ctx, client, d.AuthorityURL),
				"tokens":    tokenSummary(d.Store),
			}
			if families, err := gatherer.Gather(); err == nil {
				samples := 0
				for _, mf := range families {
					samples += len(mf.GetMetric())
				}
				body["metrics"] = map[string]any{
					"families": len(families),
					"samples":  samples,
				}
			}
			if d.RecentEvents != nil {
				if events, err := d.RecentEvents(ctx, MaxAuditEvents); err == nil {
					listed := make([]any, len(events))
					for i, e := range events {
						listed[i] = map[string]any{
							"kind":       redact.SanitizeLabel(e.Kind),
							"detail":     redact.RedactString(e.Detail),
							"created_at": e.CreatedAt.UTC(),
						}
					}
					body["recent_events"] = listed
				} else {
					body["recent_events_error"] = health.DetailFromError(err)
				}
			}
			return body, nil
		},
	}
}

// pingAuthority checks whether the remote authority answers at all. Any
// HTTP status counts as reachable; only transport failures do not.
func pingAuthority(ctx context.Context, client *http.Client, authorityURL string) map[string]any {
	if authorityURL == "" {
		return map[string]any{"configured": false}
	}
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authorityURL+"/api/v1/ping", nil)
	if err != nil {
		return map[string]any{"configured": true, "error": health.DetailFromError(err)}
	}
	resp, err := client.Do(req)
	if err != nil {
		return map[string]any{
			"configured": true,
			"reachable":  false,
			"error":      health.DetailFromError(err),
		}
	}
	defer resp.Body.Close()
	return map[string]any{
		"configured":  true,
		"reachable":   true,
		"status_code": resp.StatusCode,
		"latency_ms":  time.Since(start).Milliseconds(),
	}
}

// tokenSummary reports which external tokens the serial store holds.
// Presence only; the values never leave the store here.
func tokenSummary(st *store.Store) map[string]any {
	if st == nil {
		return map[string]any{"active": 0}
	}
	snap := st.Snapshot()
	held := map[string]bool{
		"bootstrap_token": snap.BootstrapToken != "",
		"install_token":   snap.InstallToken != "",
	}
	active := 0
	summary := map[string]any{}
	for name, present := range held {
		summary[name] = present
		if present {
			active++
		}
	}
	summary["active"] = active
	return summary
}

// MetricsCollector snapshots the process metrics in the text exposition
// format.
func MetricsCollector(gatherer prometheus.Gatherer) Collector {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return Collector{
		Name: "metrics",
		Path: "metrics/metrics.json",
		Run: func(_ context.Context) (map[string]any, error) {
			families, err := gatherer.Gather()
			if err != nil {
				return nil, err
			}
			var buf bytes.Buffer
			enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
			for _, mf := range families {
				if err := enc.Encode(mf); err != nil {
					return nil, err
				}
			}
			return map[string]any{
				"families": len(families),
				"text":     buf.String(),
			}, nil
		},
	}
}

// hashIdentifier one-way hashes a machine identifier to a short stable tag.
func hashIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

// hashedHostID returns the hashed machine identifier, falling back to the
// hostname when no machine id is available. Never returns a raw name.
func hashedHostID(ctx context.Context) string {
	id, err := host.HostIDWithContext(ctx)
	if err != nil || id == "" {
		id, _ = os.Hostname()
	}
	if id == "" {
		return ""
	}
	return hashIdentifier(id)
}

// DefaultCollectorSet wires the standard bundle sections.
type DefaultCollectorSet struct {
	Config       *config.Config
	Prober       *health.Prober
	Ring         *logging.RingBuffer
	Registry     *errcat.Registry
	Tracker      *issues.Tracker
	Store        *store.Store
	DBPing       func(ctx context.Context) error
	DBStats      func() map[string]any
	RecentEvents func(ctx context.Context, limit int) ([]database.AuditEvent, error)
	Tasks        func() []TaskStatus
	Version      string
	StartedAt    time.Time
	HTTPClient   *http.Client
}

// Collectors builds the full collector list in bundle order.
func (s DefaultCollectorSet) Collectors() []Collector {
	return []Collector{
		HealthCollector(s.Prober),
		ConfigCollector(s.Config),
		LogsCollector(s.Ring),
		SystemCollector(s.Version, s.StartedAt),
		QdrantCollector(s.Config.QdrantURL, s.HTTPClient),
		DatabaseCollector(s.DBPing, s.DBStats),
		ErrorsCollector(s.Registry, s.Ring),
		IssuesCollector(s.Tracker),
		SerialCollector(s.Config.Standalone(), s.Store),
		ProcessCollector(s.Tasks),
		ConnectivityCollector(ConnectivityDeps{
			AuthorityURL: s.Config.AuthorityURL,
			Client:       s.HTTPClient,
			Store:        s.Store,
			RecentEvents: s.RecentEvents,
		}),
		MetricsCollector(nil),
	}
}
