// Package store persists the serial metering state machine. One JSON file
// holds the single instance; every mutator saves atomically (temp file +
// rename) so a crash never replaces a good snapshot with a partial one.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the five-state machine position.
type State string

// Machine states.
const (
	StateUnprovisioned State = "UNPROVISIONED"
	StateProvisioned   State = "PROVISIONED"
	StateActive        State = "ACTIVE"
	StateDegraded      State = "DEGRADED"
	StateMigrated      State = "MIGRATED"
)

// DefaultFailureThreshold is how many consecutive authority failures move
// an ACTIVE machine to DEGRADED.
const DefaultFailureThreshold = 5

var validStates = map[State]bool{
	StateUnprovisioned: true,
	StateProvisioned:   true,
	StateActive:        true,
	StateDegraded:      true,
	StateMigrated:      true,
}

// ErrNotProvisioned is returned by Provision preconditions.
var ErrNotProvisioned = errors.New("serial store: not provisioned")

// SerialState is the persisted document. Snapshot returns copies; callers
// must not retain a reference expecting mutation.
type SerialState struct {
	State               State          `json:"state"`
	Serial              string         `json:"serial,omitempty"`
	BootstrapToken      string         `json:"bootstrap_token,omitempty"`
	InstallToken        string         `json:"install_token,omitempty"`
	LastAppVersion      string         `json:"last_app_version,omitempty"`
	LastStatusCache     map[string]any `json:"last_status_cache,omitempty"`
	LastStatusAt        *time.Time     `json:"last_status_at,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
}

// Store serializes all mutations of the serial state within one process.
// There is no multi-process coordination; the file path and process
// identity jointly define the singleton.
type Store struct {
	mu               sync.Mutex
	path             string
	state            SerialState
	failureThreshold int
	log              *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.failureThreshold = n
		}
	}
}

// Open loads the state from path. A missing file or an unknown persisted
// state initializes to UNPROVISIONED without touching the existing file
// until the first save.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:             path,
		failureThreshold: DefaultFailureThreshold,
		log:              slog.With("logger", "serialstore"),
		state:            SerialState{State: StateUnprovisioned},
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("serial store: read %s: %w", path, err)
	}

	var loaded SerialState
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.log.Warn("serial state corrupt, starting unprovisioned", "path", path, "error", err)
		return s, nil
	}
	if !validStates[loaded.State] {
		s.log.Warn("serial state unknown, starting unprovisioned", "state", string(loaded.State))
		return s, nil
	}
	s.state = loaded
	return s, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() SerialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyState()
}

// State returns the current machine position.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.State
}

func (s *Store) copyState() SerialState {
	cp := s.state
	if s.state.LastStatusCache != nil {
		cp.LastStatusCache = make(map[string]any, len(s.state.LastStatusCache))
		for k, v := range s.state.LastStatusCache {
			cp.LastStatusCache[k] = v
		}
	}
	if s.state.LastStatusAt != nil {
		ts := *s.state.LastStatusAt
		cp.LastStatusAt = &ts
	}
	return cp
}

// Provision installs a serial and bootstrap token, moving to PROVISIONED.
// Allowed from UNPROVISIONED and MIGRATED (explicit re-provision).
func (s *Store) Provision(serial, bootstrapToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SerialState{
		State:          StateProvisioned,
		Serial:         serial,
		BootstrapToken: bootstrapToken,
		LastAppVersion: s.state.LastAppVersion,
	}
	return s.save()
}

// TransitionToActive stores the install token, clears the bootstrap token
// and moves to ACTIVE.
func (s *Store) TransitionToActive(installToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.State = StateActive
	s.state.InstallToken = installToken
	s.state.BootstrapToken = ""
	s.state.ConsecutiveFailures = 0
	return s.save()
}

// TransitionToUnprovisioned clears both tokens and the serial.
func (s *Store) TransitionToUnprovisioned() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.State = StateUnprovisioned
	s.state.Serial = ""
	s.state.BootstrapToken = ""
	s.state.InstallToken = ""
	return s.save()
}

// TransitionToMigrated marks the machine terminal for this process lifetime
// and records the gateway user in the status cache when known.
func (s *Store) TransitionToMigrated(gatewayUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.State = StateMigrated
	if gatewayUserID != "" {
		if s.state.LastStatusCache == nil {
			s.state.LastStatusCache = make(map[string]any)
		}
		s.state.LastStatusCache["gateway_user_id"] = gatewayUserID
	}
	return s.save()
}

// RecordSuccess resets the failure counter; a DEGRADED machine returns to
// ACTIVE.
func (s *Store) RecordSuccess() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ConsecutiveFailures = 0
	if s.state.State == StateDegraded {
		s.state.State = StateActive
	}
	return s.save()
}

// RecordFailure increments the failure counter; once it reaches the
// threshold an ACTIVE machine degrades. Returns the new counter value.
func (s *Store) RecordFailure() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ConsecutiveFailures++
	if s.state.State == StateActive && s.state.ConsecutiveFailures >= s.failureThreshold {
		s.state.State = StateDegraded
		s.log.Warn("authority failures reached threshold, degrading",
			"failures", s.state.ConsecutiveFailures, "threshold", s.failureThreshold)
	}
	return s.state.ConsecutiveFailures, s.save()
}

// UpdateStatusCache replaces the cached authority status payload.
// The payload must never contain secrets.
func (s *Store) UpdateStatusCache(payload map[string]any, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastStatusCache = payload
	s.state.LastStatusAt = &ts
	return s.save()
}

// UpdateAppVersion records the version at the last successful activate or
// refresh.
func (s *Store) UpdateAppVersion(v string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastAppVersion = v
	return s.save()
}

// UpdateInstallToken replaces the install token after a refresh.
func (s *Store) UpdateInstallToken(installToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.InstallToken = installToken
	return s.save()
}

// FallbackToProvisioned drops the install token and returns to PROVISIONED.
// Used when a refresh is rejected with 401 but the serial is still known.
func (s *Store) FallbackToProvisioned() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.State = StateProvisioned
	s.state.InstallToken = ""
	return s.save()
}

// save writes the state atomically with mode 0600. Callers hold the mutex.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("serial store: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".serial_state-*.tmp")
	if err != nil {
		return fmt.Errorf("serial store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("serial store: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("serial store: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("serial store: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("serial store: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("serial store: rename: %w", err)
	}
	return nil
}
