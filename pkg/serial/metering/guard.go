package metering

import (
	"context"
	"time"

	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// Meterer is the guard factory: it picks the strategy for the current
// machine state and builds the idempotent request ID for each chargeable
// operation. One Meterer serves the whole process; guards run concurrently
// without serialization.
type Meterer struct {
	standalone bool
	store      *store.Store
	serial     Strategy
	ledger     Strategy
	now        func() time.Time
}

// NewMeterer wires the guard factory. In standalone mode every check is
// allowed immediately without touching the state machine.
func NewMeterer(standalone bool, st *store.Store, serial Strategy) *Meterer {
	return &Meterer{
		standalone: standalone,
		store:      st,
		serial:     serial,
		ledger:     LedgerStrategy{},
		now:        time.Now,
	}
}

// Check decides one chargeable request identified by its HTTP method and
// route path. A zero costOverride applies the category default.
func (m *Meterer) Check(ctx context.Context, method, path string, category Category, costOverride float64) (Decision, error) {
	if m.standalone {
		return Decision{Allowed: true, Category: category}, nil
	}

	cost := costOverride
	if cost == 0 {
		cost = DefaultCost(category)
	}

	snap := m.store.Snapshot()
	requestID := RequestID(snap.Serial, method, path, m.now())

	strategy := m.serial
	if snap.State == store.StateMigrated {
		strategy = m.ledger
	}
	return strategy.CheckAndMeter(ctx, category, cost, requestID)
}
