package health

import (
	"context"
	"net/http"
	"time"

	"github.com/vectoraiz/vectoraiz/pkg/monitor"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// Disk/memory thresholds come from the resource guard so both layers agree.
const (
	diskDownPercent     = monitor.DiskCriticalPercent
	diskDegradedPercent = monitor.DiskWarnPercent
	memDownPercent      = monitor.MemCriticalPercent
	memDegradedPercent  = monitor.MemWarnPercent
)

// QdrantProbe checks vector store reachability with a cheap HTTP GET.
func QdrantProbe(baseURL string, client *http.Client) Probe {
	if client == nil {
		client = &http.Client{Timeout: ProbeTimeout}
	}
	return Probe{
		Name: "qdrant",
		Run: func(ctx context.Context) Result {
			if baseURL == "" {
				return Result{Status: StatusDegraded, DetailSafe: "not_configured"}
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/readyz", nil)
			if err != nil {
				return Result{Status: StatusDown, DetailSafe: DetailFromError(err)}
			}
			resp, err := client.Do(req)
			if err != nil {
				return Result{Status: StatusDown, DetailSafe: DetailFromError(err)}
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return Result{Status: StatusDown, DetailSafe: "unhealthy_status"}
			}
			return Result{Status: StatusOK}
		},
	}
}

// DatabaseProbe checks the relational store with the injected ping
// (a `SELECT 1` under the hood).
func DatabaseProbe(ping func(ctx context.Context) error) Probe {
	return Probe{
		Name: "database",
		Run: func(ctx context.Context) Result {
			if ping == nil {
				return Result{Status: StatusDegraded, DetailSafe: "not_configured"}
			}
			if err := ping(ctx); err != nil {
				return Result{Status: StatusDown, DetailSafe: DetailFromError(err)}
			}
			return Result{Status: StatusOK}
		},
	}
}

// LLMProbe verifies an LLM provider is configured. No network call; the
// provider clients live outside the control plane.
func LLMProbe(provider string) Probe {
	return Probe{
		Name: "llm",
		Run: func(_ context.Context) Result {
			if provider == "" {
				return Result{Status: StatusDegraded, DetailSafe: "not_configured"}
			}
			return Result{Status: StatusOK}
		},
	}
}

// DeviceKeysProbe verifies device-crypto key material is present.
func DeviceKeysProbe(present func() bool) Probe {
	return Probe{
		Name: "device_keys",
		Run: func(_ context.Context) Result {
			if present == nil || !present() {
				return Result{Status: StatusDegraded, DetailSafe: "keys_absent"}
			}
			return Result{Status: StatusOK}
		},
	}
}

// DiskProbe checks free space on the data volume.
func DiskProbe(freePercent func(path string) (float64, error), path string) Probe {
	return Probe{
		Name: "disk",
		Run: func(_ context.Context) Result {
			free, err := freePercent(path)
			if err != nil {
				return Result{Status: StatusDown, DetailSafe: DetailFromError(err)}
			}
			switch {
			case free < diskDownPercent:
				return Result{Status: StatusDown, DetailSafe: "disk_critical"}
			case free < diskDegradedPercent:
				return Result{Status: StatusDegraded, DetailSafe: "disk_low"}
			}
			return Result{Status: StatusOK}
		},
	}
}

// MemoryProbe checks available memory.
func MemoryProbe(availPercent func() (float64, error)) Probe {
	return Probe{
		Name: "memory",
		Run: func(_ context.Context) Result {
			avail, err := availPercent()
			if err != nil {
				return Result{Status: StatusDown, DetailSafe: DetailFromError(err)}
			}
			switch {
			case avail < memDownPercent:
				return Result{Status: StatusDown, DetailSafe: "memory_critical"}
			case avail < memDegradedPercent:
				return Result{Status: StatusDegraded, DetailSafe: "memory_low"}
			}
			return Result{Status: StatusOK}
		},
	}
}

// SerialProbe reports the metering state machine's position. Standalone
// installs report ok unconditionally.
func SerialProbe(standalone bool, st *store.Store) Probe {
	return Probe{
		Name: "serial",
		Run: func(_ context.Context) Result {
			if standalone {
				return Result{Status: StatusOK, DetailSafe: "standalone"}
			}
			snap := st.Snapshot()
			switch snap.State {
			case store.StateActive, store.StateMigrated:
				result := Result{Status: StatusOK, DetailSafe: string(snap.State)}
				if snap.LastStatusAt != nil && time.Since(*snap.LastStatusAt) > time.Hour {
					result.Status = StatusDegraded
					result.DetailSafe = "status_stale"
				}
				return result
			case store.StateDegraded:
				return Result{Status: StatusDegraded, DetailSafe: string(snap.State)}
			default:
				return Result{Status: StatusDegraded, DetailSafe: string(snap.State)}
			}
		},
	}
}
