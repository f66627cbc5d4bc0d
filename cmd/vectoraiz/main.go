// vectorAIz control-plane server: structured errors, health probing,
// resource guards, diagnostics bundles and serial metering around the
// product subsystems.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/vectoraiz/vectoraiz/pkg/api"
	"github.com/vectoraiz/vectoraiz/pkg/config"
	"github.com/vectoraiz/vectoraiz/pkg/database"
	"github.com/vectoraiz/vectoraiz/pkg/diagnostics"
	"github.com/vectoraiz/vectoraiz/pkg/errcat"
	"github.com/vectoraiz/vectoraiz/pkg/health"
	"github.com/vectoraiz/vectoraiz/pkg/issues"
	"github.com/vectoraiz/vectoraiz/pkg/logging"
	"github.com/vectoraiz/vectoraiz/pkg/monitor"
	"github.com/vectoraiz/vectoraiz/pkg/serial/activation"
	"github.com/vectoraiz/vectoraiz/pkg/serial/authority"
	"github.com/vectoraiz/vectoraiz/pkg/serial/metering"
	"github.com/vectoraiz/vectoraiz/pkg/serial/processor"
	"github.com/vectoraiz/vectoraiz/pkg/serial/queue"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
	"github.com/vectoraiz/vectoraiz/pkg/version"
)

func main() {
	// Nothing may log before the logger is installed, so the bootstrap
	// phase reports failures on stderr directly.
	cfg, envLoaded, err := bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "vectoraiz: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ring := logging.Setup(logging.Options{
		Level:   cfg.LogLevel,
		LogDir:  cfg.LogDir,
		Service: version.AppName,
		Version: version.GitCommit,
	})

	if envLoaded {
		slog.Info("loaded environment from .env")
	}
	slog.Info("starting vectoraiz",
		"version", version.Full(),
		"mode", string(cfg.Mode),
		"http_port", cfg.HTTPPort)

	// The error catalog is a startup invariant: a broken catalog means
	// unmapped errors later, so refuse to run.
	registry := errcat.NewRegistry()
	if err := registry.Load(errcat.DefaultCatalog()); err != nil {
		slog.Error("error catalog failed validation", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		slog.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	// Single-instance advisory lock. Two processes sharing one data
	// directory would corrupt the serial state and the offline queue.
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		slog.Error("failed to acquire instance lock", "path", cfg.LockPath(), "error", err)
		os.Exit(1)
	}
	if !locked {
		slog.Error("another instance holds the data directory", "path", cfg.LockPath())
		os.Exit(1)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release instance lock", "error", err)
		}
	}()

	ctx := context.Background()
	started := time.Now()

	tracker := issues.NewTracker(cfg.IssueStatePath())
	tracker.Reload()

	var db *database.Client
	if cfg.DatabaseURL != "" {
		db, err = database.NewClient(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Error("error closing database client", "error", err)
			}
		}()
		slog.Info("connected to PostgreSQL database")
	}

	// Serial metering machinery, connected mode only.
	var (
		serials  *store.Store
		meterer  *metering.Meterer
		manager  *activation.Manager
		replayer *processor.Processor
	)
	if !cfg.Standalone() {
		serials, err = store.Open(cfg.SerialStatePath())
		if err != nil {
			slog.Error("failed to open serial state", "error", err)
			os.Exit(1)
		}
		offline, err := queue.Open(cfg.OfflineQueuePath())
		if err != nil {
			slog.Error("failed to open offline meter queue", "error", err)
			os.Exit(1)
		}
		client := authority.New(cfg.AuthorityURL)
		meterer = metering.NewMeterer(false, serials,
			metering.NewSerialStrategy(serials, client, offline))

		hostname, _ := os.Hostname()
		manager = activation.NewManager(serials, client, activation.Config{
			InstanceID:    instanceID(cfg.DataDir),
			Hostname:      hostname,
			AppVersion:    version.GitCommit,
			RetryInterval: cfg.ActivationRetry,
			PollInterval:  cfg.StatusPollInterval,
		})
		activation.SetDefault(manager)
		manager.Start(ctx)
		defer manager.Stop()

		replayer = processor.New(serials, offline, client, cfg.QueueReplayInterval)
		replayer.Start(ctx)
		defer replayer.Stop()
	} else {
		meterer = metering.NewMeterer(true, nil, nil)
	}

	resourceMonitor := monitor.New(cfg.DataDir, cfg.ResourceInterval, tracker)
	resourceMonitor.Start(ctx)
	defer resourceMonitor.Stop()

	prober := health.NewProber(version.GitCommit, started, buildProbes(cfg, db, serials))

	var dbPing func(context.Context) error
	var dbStats func() map[string]any
	var recentEvents func(context.Context, int) ([]database.AuditEvent, error)
	if db != nil {
		dbPing = db.Ping
		dbStats = db.PoolStats
		recentEvents = db.RecentEvents
	}
	tasks := func() []diagnostics.TaskStatus {
		list := []diagnostics.TaskStatus{
			{Name: "resource_monitor", Running: resourceMonitor.Running()},
		}
		if manager != nil {
			list = append(list, diagnostics.TaskStatus{Name: "activation_manager", Running: manager.Running()})
		}
		if replayer != nil {
			list = append(list, diagnostics.TaskStatus{Name: "queue_processor", Running: replayer.Running()})
		}
		list = append(list, diagnostics.TaskStatus{
			Name:    "version_check",
			Running: !cfg.Standalone() && serials != nil && cfg.VersionCheckInterval > 0,
		})
		return list
	}
	bundler := diagnostics.NewBundler(version.AppName, version.GitCommit,
		diagnostics.DefaultCollectorSet{
			Config:       cfg,
			Prober:       prober,
			Ring:         ring,
			Registry:     registry,
			Tracker:      tracker,
			Store:        serials,
			DBPing:       dbPing,
			DBStats:      dbStats,
			RecentEvents: recentEvents,
			Tasks:        tasks,
			Version:      version.GitCommit,
			StartedAt:    started,
		}.Collectors())

	httpServer := api.NewServer(api.Deps{
		Config:   cfg,
		Registry: registry,
		Tracker:  tracker,
		Prober:   prober,
		Bundler:  bundler,
		Meterer:  meterer,
		Serials:  serials,
		Monitor:  resourceMonitor,
		DB:       db,
		Version:  version.GitCommit,
		Started:  started,
	})

	versionCheckStop := startVersionCheck(cfg, serials)
	defer close(versionCheckStop)

	if db != nil {
		if err := db.RecordEvent(ctx, "service_started", version.Full()); err != nil {
			slog.Warn("failed to audit startup", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := tracker.Persist(); err != nil {
		slog.Warn("failed to persist issue tracker", "error", err)
	}
	if db != nil {
		if err := db.RecordEvent(shutdownCtx, "service_stopped", version.Full()); err != nil {
			slog.Warn("failed to audit shutdown", "error", err)
		}
	}

	// The deferred stops take down the background loops in reverse start
	// order: version check, processor, activation manager, resource monitor.
	slog.Info("shutdown complete")
}

// bootstrap loads .env and the configuration. Runs before the logger is
// installed; it only returns errors, never logs.
func bootstrap() (cfg *config.Config, envLoaded bool, err error) {
	envLoaded = godotenv.Load() == nil
	cfg, err = config.Load()
	return cfg, envLoaded, err
}

// buildProbes assembles the deep-health probe set for the configured
// subsystems.
func buildProbes(cfg *config.Config, db *database.Client, serials *store.Store) []health.Probe {
	var dbPing func(context.Context) error
	if db != nil {
		dbPing = db.Ping
	}
	probes := []health.Probe{
		health.QdrantProbe(cfg.QdrantURL, nil),
		health.DatabaseProbe(dbPing),
		health.LLMProbe(cfg.LLMProvider),
		health.DeviceKeysProbe(func() bool { return cfg.KeystorePass != "" }),
		health.DiskProbe(monitor.DiskFreePercent, cfg.DataDir),
		health.MemoryProbe(monitor.MemAvailPercent),
	}
	if !cfg.Standalone() && serials != nil {
		probes = append(probes, health.SerialProbe(false, serials))
	}
	return probes
}

// instanceID returns the stable per-install identifier, creating it on
// first run.
func instanceID(dataDir string) string {
	path := filepath.Join(dataDir, "instance_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		slog.Warn("failed to persist instance id", "path", path, "error", err)
	}
	return id
}

// startVersionCheck periodically compares the running version against the
// latest one advertised in the cached authority status and logs when an
// upgrade is available. Returns the stop channel.
func startVersionCheck(cfg *config.Config, serials *store.Store) chan struct{} {
	stop := make(chan struct{})
	if cfg.Standalone() || serials == nil || cfg.VersionCheckInterval <= 0 {
		return stop
	}

	log := logging.Component("versioncheck")
	go func() {
		ticker := time.NewTicker(cfg.VersionCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				snap := serials.Snapshot()
				latest, _ := snap.LastStatusCache["latest_version"].(string)
				if latest != "" && latest != version.GitCommit {
					log.Info("newer application version available",
						"running", version.GitCommit, "latest", latest)
				}
			}
		}
	}()
	return stop
}
