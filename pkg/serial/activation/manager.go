// Package activation owns the background loop that moves the serial state
// machine: boot-time activation from a bootstrap token, install-token
// refresh on version change, and periodic status polls. One manager runs
// per process and never issues two authority calls concurrently.
package activation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectoraiz/vectoraiz/pkg/logging"
	"github.com/vectoraiz/vectoraiz/pkg/serial/authority"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// Default loop intervals.
const (
	DefaultActivationRetryInterval = 30 * time.Second
	DefaultStatusPollInterval      = 300 * time.Second
)

// AuthorityAPI is the subset of the authority client the manager uses.
type AuthorityAPI interface {
	Activate(ctx context.Context, serial, bootstrapToken, instanceID, hostname, version string) authority.ActivateResult
	Status(ctx context.Context, serial, installToken string) authority.StatusResult
	Refresh(ctx context.Context, serial, installToken, instanceID string) authority.RefreshResult
}

// Config holds the manager's identity and timing.
type Config struct {
	InstanceID    string
	Hostname      string
	AppVersion    string
	RetryInterval time.Duration
	PollInterval  time.Duration
}

// Manager drives the activation lifecycle.
type Manager struct {
	store  *store.Store
	client AuthorityAPI
	cfg    Config
	log    *slog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager wires a manager. Zero intervals take the defaults.
func NewManager(st *store.Store, client AuthorityAPI, cfg Config) *Manager {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultActivationRetryInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultStatusPollInterval
	}
	return &Manager{
		store:  st,
		client: client,
		cfg:    cfg,
		log:    logging.Component("activation"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the boot flow synchronously, then the periodic loop in the
// background.
func (m *Manager) Start(ctx context.Context) {
	m.bootstrap(ctx)
	m.running.Store(true)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop terminates the loop and waits for the current iteration to finish.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.running.Store(false)
}

// Running reports whether the activation loop is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// bootstrap handles the state found on disk at process start.
func (m *Manager) bootstrap(ctx context.Context) {
	snap := m.store.Snapshot()
	switch snap.State {
	case store.StateUnprovisioned, store.StateMigrated:
		// Nothing to do until externally re-provisioned.

	case store.StateProvisioned:
		m.attemptActivation(ctx)

	case store.StateActive, store.StateDegraded:
		if snap.LastAppVersion != m.cfg.AppVersion {
			m.log.Info("app version changed, refreshing install token",
				"previous", snap.LastAppVersion, "current", m.cfg.AppVersion)
			m.attemptRefresh(ctx)
		}
		if err := m.store.UpdateAppVersion(m.cfg.AppVersion); err != nil {
			m.log.Error("failed to persist app version", "error", err)
		}
	}
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()
	m.log.Info("activation manager started",
		"retry_interval", m.cfg.RetryInterval, "poll_interval", m.cfg.PollInterval)

	for {
		interval := m.intervalForState()
		select {
		case <-m.stopCh:
			m.log.Info("activation manager stopped")
			return
		case <-ctx.Done():
			m.log.Info("context cancelled, activation manager stopped")
			return
		case <-time.After(interval):
			m.tick(ctx)
		}
	}
}

func (m *Manager) intervalForState() time.Duration {
	switch m.store.State() {
	case store.StateActive, store.StateDegraded:
		return m.cfg.PollInterval
	default:
		return m.cfg.RetryInterval
	}
}

// tick runs one iteration; failures are logged and swallowed so the loop
// survives anything an iteration throws at it.
func (m *Manager) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("activation iteration panicked", "panic", r)
		}
	}()

	switch m.store.State() {
	case store.StateProvisioned:
		m.attemptActivation(ctx)
	case store.StateActive, store.StateDegraded:
		m.pollStatus(ctx)
	case store.StateMigrated, store.StateUnprovisioned:
		// Sleep through the tick.
	}
}

// attemptActivation exchanges the bootstrap token for an install token.
// Requires both a serial and a bootstrap token; otherwise it waits for
// external provisioning.
func (m *Manager) attemptActivation(ctx context.Context) {
	snap := m.store.Snapshot()
	if snap.Serial == "" || snap.BootstrapToken == "" {
		m.log.Warn("provisioned state missing serial or bootstrap token, waiting")
		return
	}

	result := m.client.Activate(ctx, snap.Serial, snap.BootstrapToken,
		m.cfg.InstanceID, m.cfg.Hostname, m.cfg.AppVersion)

	switch {
	case result.Success:
		if err := m.store.TransitionToActive(result.InstallToken); err != nil {
			m.log.Error("failed to persist activation", "error", err)
			return
		}
		if err := m.store.UpdateAppVersion(m.cfg.AppVersion); err != nil {
			m.log.Error("failed to persist app version", "error", err)
		}
		m.log.Info("instance activated", "serial", snap.Serial)

	case result.StatusCode == 401:
		m.log.Warn("bootstrap token rejected, unprovisioning", "serial", snap.Serial)
		if err := m.store.TransitionToUnprovisioned(); err != nil {
			m.log.Error("failed to persist unprovisioned transition", "error", err)
		}

	default:
		m.log.Warn("activation attempt failed, will retry",
			"status_code", result.StatusCode, "error", result.Error)
	}
}

// pollStatus refreshes the cached authority status payload.
func (m *Manager) pollStatus(ctx context.Context) {
	snap := m.store.Snapshot()
	result := m.client.Status(ctx, snap.Serial, snap.InstallToken)

	switch {
	case result.Success:
		if err := m.store.RecordSuccess(); err != nil {
			m.log.Error("failed to persist status success", "error", err)
		}
		if err := m.store.UpdateStatusCache(result.Data, time.Now().UTC()); err != nil {
			m.log.Error("failed to persist status cache", "error", err)
		}
		if result.Migrated {
			gatewayUserID, _ := result.Data["gateway_user_id"].(string)
			m.log.Info("authority reports migration to external billing",
				"gateway_user_id", gatewayUserID)
			if err := m.store.TransitionToMigrated(gatewayUserID); err != nil {
				m.log.Error("failed to persist migrated transition", "error", err)
			}
		}

	case result.StatusCode == 401:
		m.log.Warn("install token rejected during status poll, unprovisioning")
		if err := m.store.TransitionToUnprovisioned(); err != nil {
			m.log.Error("failed to persist unprovisioned transition", "error", err)
		}

	default:
		if _, err := m.store.RecordFailure(); err != nil {
			m.log.Error("failed to persist status failure", "error", err)
		}
		m.log.Warn("status poll failed",
			"status_code", result.StatusCode, "error", result.Error)
	}
}

// attemptRefresh exchanges the install token for a fresh one after a
// version change.
func (m *Manager) attemptRefresh(ctx context.Context) {
	snap := m.store.Snapshot()
	result := m.client.Refresh(ctx, snap.Serial, snap.InstallToken, m.cfg.InstanceID)

	switch {
	case result.Success:
		if err := m.store.UpdateInstallToken(result.InstallToken); err != nil {
			m.log.Error("failed to persist refreshed install token", "error", err)
			return
		}
		m.log.Info("install token refreshed")

	case result.StatusCode == 401:
		m.log.Warn("install token rejected on refresh, falling back to provisioned")
		if err := m.store.FallbackToProvisioned(); err != nil {
			m.log.Error("failed to persist provisioned fallback", "error", err)
		}

	default:
		// Network failure: keep the existing token and move on.
		m.log.Warn("install token refresh failed, keeping current token",
			"status_code", result.StatusCode, "error", result.Error)
	}
}

// Process-wide manager, set once during wiring.
var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// SetDefault installs the process-wide manager. Later calls are ignored.
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = m
	}
}

// Default returns the process-wide manager, or nil before wiring.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultManager
}
