// Package monitor runs the periodic disk and memory guards. Low disk space
// blocks ingestion process-wide; low memory only raises issues. The loop
// must never die: every iteration failure is logged and swallowed.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/vectoraiz/vectoraiz/pkg/issues"
	"github.com/vectoraiz/vectoraiz/pkg/logging"
)

// Thresholds in percent of free/available capacity.
const (
	DiskCriticalPercent = 5.0
	DiskWarnPercent     = 15.0
	MemCriticalPercent  = 3.0
	MemWarnPercent      = 10.0
)

// Issue codes raised by the guards.
const (
	codeDiskCritical = "VAI-DSK-001"
	codeDiskWarn     = "VAI-DSK-002"
	codeMemCritical  = "VAI-MEM-001"
	codeMemWarn      = "VAI-MEM-002"
)

// ResourceMonitor owns the ingestion-block flag and the guard loop.
type ResourceMonitor struct {
	dataDir  string
	interval time.Duration
	tracker  *issues.Tracker
	log      *slog.Logger

	blocked  atomic.Bool
	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Probes are swappable for tests.
	diskFreePercent func(path string) (float64, error)
	memAvailPercent func() (float64, error)
}

// New creates a resource monitor checking the volume holding dataDir.
func New(dataDir string, interval time.Duration, tracker *issues.Tracker) *ResourceMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &ResourceMonitor{
		dataDir:         dataDir,
		interval:        interval,
		tracker:         tracker,
		log:             logging.Component("monitor"),
		stopCh:          make(chan struct{}),
		diskFreePercent: diskFreePercent,
		memAvailPercent: memAvailPercent,
	}
}

// IngestionBlocked reports the advisory block flag. Readers accept a racy
// read; the flag only gates new chargeable ingestion work.
func (m *ResourceMonitor) IngestionBlocked() bool {
	return m.blocked.Load()
}

// Start runs one immediate check, then the periodic loop.
func (m *ResourceMonitor) Start(ctx context.Context) {
	m.checkOnce(ctx)
	m.running.Store(true)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop terminates the loop and waits for it to finish.
func (m *ResourceMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.running.Store(false)
}

// Running reports whether the guard loop is active.
func (m *ResourceMonitor) Running() bool {
	return m.running.Load()
}

func (m *ResourceMonitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// checkOnce evaluates both guards. Panics and probe errors are contained.
func (m *ResourceMonitor) checkOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("resource check panicked", "panic", r)
		}
	}()
	m.checkDisk(ctx)
	m.checkMemory(ctx)
}

func (m *ResourceMonitor) checkDisk(ctx context.Context) {
	freePct, err := m.diskFreePercent(m.dataDir)
	if err != nil {
		m.log.Warn("disk probe failed", "path", m.dataDir, "error", err)
		return
	}

	switch {
	case freePct < DiskCriticalPercent:
		m.blocked.Store(true)
		m.tracker.Record(codeDiskCritical, "")
		m.log.Log(ctx, logging.LevelCritical, "disk space critical, ingestion blocked",
			"free_percent", freePct, "path", m.dataDir)
	case freePct < DiskWarnPercent:
		m.blocked.Store(false)
		m.tracker.Record(codeDiskWarn, "")
		m.log.Warn("disk space low", "free_percent", freePct, "path", m.dataDir)
	default:
		m.blocked.Store(false)
	}
}

func (m *ResourceMonitor) checkMemory(ctx context.Context) {
	availPct, err := m.memAvailPercent()
	if err != nil {
		m.log.Warn("memory probe failed", "error", err)
		return
	}

	// Memory pressure never toggles the ingestion block flag.
	switch {
	case availPct < MemCriticalPercent:
		m.tracker.Record(codeMemCritical, "")
		m.log.Log(ctx, logging.LevelCritical, "available memory critical",
			"available_percent", availPct)
	case availPct < MemWarnPercent:
		m.tracker.Record(codeMemWarn, "")
		m.log.Warn("available memory low", "available_percent", availPct)
	}
}

// DiskFreePercent returns the free share of the volume holding path.
// Shared with the health probes so both layers see the same number.
func DiskFreePercent(path string) (float64, error) {
	return diskFreePercent(path)
}

// MemAvailPercent returns the available share of physical memory.
func MemAvailPercent() (float64, error) {
	return memAvailPercent()
}

func diskFreePercent(path string) (float64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	if usage.Total == 0 {
		return 0, nil
	}
	return float64(usage.Free) / float64(usage.Total) * 100, nil
}

func memAvailPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(vm.Available) / float64(vm.Total) * 100, nil
}
