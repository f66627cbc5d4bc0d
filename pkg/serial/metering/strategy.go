// Package metering decides whether a chargeable operation may proceed and
// meters it against the serial authority. Denial is always signalled by a
// typed error; there is no soft return channel.
package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/vectoraiz/vectoraiz/pkg/logging"
	"github.com/vectoraiz/vectoraiz/pkg/serial/authority"
	"github.com/vectoraiz/vectoraiz/pkg/serial/queue"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// ReasonOfflineDataBlocked is the denial reason when data operations exceed
// their offline allowance.
const ReasonOfflineDataBlocked = "offline_data_blocked"

// DefaultOfflineDataFailureLimit bounds how many consecutive authority
// failures still permit offline data operations. The comparison runs after
// RecordFailure has already incremented the counter, so the effective
// allowance is one less call than the raw number suggests; the cut-over is
// deliberately tunable rather than hardcoded.
const DefaultOfflineDataFailureLimit = 3

// Decision is the outcome of a successful allow.
type Decision struct {
	Allowed   bool
	Offline   bool
	Category  Category
	RequestID string
}

// Strategy decides and meters one chargeable operation.
type Strategy interface {
	CheckAndMeter(ctx context.Context, category Category, cost float64, requestID string) (Decision, error)
}

// AuthorityClient is the subset of the authority client the strategy needs.
type AuthorityClient interface {
	Meter(ctx context.Context, serial, installToken, category string, cost float64, requestID, description string) authority.MeterResult
}

// SerialStrategy meters against the serial authority while the machine has
// not migrated to external billing.
type SerialStrategy struct {
	store  *store.Store
	client AuthorityClient
	queue  *queue.OfflineQueue
	log    *slog.Logger

	// OfflineDataFailureLimit tunes the offline-data cut-over; see
	// DefaultOfflineDataFailureLimit.
	OfflineDataFailureLimit int
}

// NewSerialStrategy wires the serial strategy.
func NewSerialStrategy(st *store.Store, client AuthorityClient, q *queue.OfflineQueue) *SerialStrategy {
	return &SerialStrategy{
		store:                   st,
		client:                  client,
		queue:                   q,
		log:                     logging.Component("metering"),
		OfflineDataFailureLimit: DefaultOfflineDataFailureLimit,
	}
}

// CheckAndMeter implements Strategy.
func (s *SerialStrategy) CheckAndMeter(ctx context.Context, category Category, cost float64, requestID string) (Decision, error) {
	snap := s.store.Snapshot()

	switch snap.State {
	case store.StateUnprovisioned:
		return Decision{}, &UnprovisionedError{}

	case store.StateProvisioned:
		if category == CategoryData {
			return Decision{}, &ActivationRequiredError{Serial: snap.Serial}
		}
		return s.allowOffline(category, cost, requestID, "provisioned-offline")

	case store.StateDegraded:
		if category == CategoryData {
			return Decision{}, &CreditExhaustedError{
				Category: category,
				Reason:   ReasonOfflineDataBlocked,
				Serial:   snap.Serial,
			}
		}
		return s.allowOffline(category, cost, requestID, "degraded-offline")

	case store.StateActive:
		return s.meterActive(ctx, snap, category, cost, requestID)

	default:
		// MIGRATED is routed to the ledger strategy by the guard; reaching
		// here means a race with migration, which is safe to allow.
		return Decision{Allowed: true, Category: category, RequestID: requestID}, nil
	}
}

func (s *SerialStrategy) meterActive(ctx context.Context, snap store.SerialState, category Category, cost float64, requestID string) (Decision, error) {
	result := s.client.Meter(ctx, snap.Serial, snap.InstallToken, string(category), cost, requestID, "")

	switch {
	case result.StatusCode == 401:
		// The authority no longer recognizes the install token.
		if err := s.store.TransitionToUnprovisioned(); err != nil {
			s.log.Error("failed to persist unprovisioned transition", "error", err)
		}
		return Decision{}, &ActivationRequiredError{Serial: snap.Serial}

	case result.Error == "" && (result.StatusCode == 200 || result.StatusCode == 402):
		if result.Migrated {
			if err := s.store.TransitionToMigrated(""); err != nil {
				s.log.Error("failed to persist migrated transition", "error", err)
			}
			return Decision{Allowed: true, Category: category, RequestID: requestID}, nil
		}
		// A denial is still a successful authority round-trip: recording it
		// as success keeps a string of denials from degrading the machine.
		if err := s.store.RecordSuccess(); err != nil {
			s.log.Error("failed to persist meter success", "error", err)
		}
		if result.Allowed {
			return Decision{Allowed: true, Category: category, RequestID: requestID}, nil
		}
		return Decision{}, &CreditExhaustedError{
			Category:          category,
			Reason:            result.Reason,
			RemainingUSD:      result.Remaining,
			SetupRemainingUSD: setupRemainingFromCache(snap.LastStatusCache),
			PaymentEnabled:    result.PaymentEnabled,
			Serial:            snap.Serial,
		}

	default:
		failures, err := s.store.RecordFailure()
		if err != nil {
			s.log.Error("failed to persist meter failure", "error", err)
		}
		s.log.Warn("authority meter call failed, applying offline policy",
			"category", string(category), "status_code", result.StatusCode,
			"consecutive_failures", failures, "error", result.Error)

		if category == CategorySetup {
			return s.allowOffline(category, cost, requestID, "authority-offline")
		}
		// Counter was already incremented above; the limit applies to the
		// post-increment value.
		if failures < s.offlineDataLimit() {
			return s.allowOffline(category, cost, requestID, "authority-offline")
		}
		return Decision{}, &CreditExhaustedError{
			Category: category,
			Reason:   ReasonOfflineDataBlocked,
			Serial:   snap.Serial,
		}
	}
}

func (s *SerialStrategy) offlineDataLimit() int {
	if s.OfflineDataFailureLimit > 0 {
		return s.OfflineDataFailureLimit
	}
	return DefaultOfflineDataFailureLimit
}

// allowOffline enqueues the event for later replay and allows the operation.
func (s *SerialStrategy) allowOffline(category Category, cost float64, requestID, description string) (Decision, error) {
	ev := queue.PendingMeterEvent{
		Category:    string(category),
		Cost:        cost,
		RequestID:   requestID,
		Description: description,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.queue.Append(ev); err != nil {
		// Queue failure must not block the operation; it only loses a charge.
		s.log.Error("failed to enqueue offline meter event",
			"request_id", requestID, "error", err)
	}
	return Decision{Allowed: true, Offline: true, Category: category, RequestID: requestID}, nil
}

func setupRemainingFromCache(cache map[string]any) string {
	if cache == nil {
		return ""
	}
	if v, ok := cache["setup_remaining_usd"].(string); ok {
		return v
	}
	return ""
}

// LedgerStrategy applies after migration: every operation is allowed and
// billing happens downstream in the external ledger.
type LedgerStrategy struct{}

// CheckAndMeter implements Strategy.
func (LedgerStrategy) CheckAndMeter(_ context.Context, category Category, _ float64, requestID string) (Decision, error) {
	return Decision{Allowed: true, Category: category, RequestID: requestID}, nil
}
