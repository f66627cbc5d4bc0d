package metering

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoraiz/vectoraiz/pkg/serial/authority"
	"github.com/vectoraiz/vectoraiz/pkg/serial/queue"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

func testTime() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

// fakeAuthority returns scripted meter results in order, then repeats the
// last one.
type fakeAuthority struct {
	results []authority.MeterResult
	calls   []string // request IDs, in call order
}

func (f *fakeAuthority) Meter(_ context.Context, _, _, _ string, _ float64, requestID, _ string) authority.MeterResult {
	f.calls = append(f.calls, requestID)
	idx := len(f.calls) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	return f.results[idx]
}

func newFixture(t *testing.T, results ...authority.MeterResult) (*SerialStrategy, *store.Store, *queue.OfflineQueue, *fakeAuthority) {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "serial_state.json"))
	require.NoError(t, err)
	q, err := queue.Open(filepath.Join(dir, "meter_queue.ndjson"))
	require.NoError(t, err)
	client := &fakeAuthority{results: results}
	return NewSerialStrategy(st, client, q), st, q, client
}

func allowed() authority.MeterResult {
	return authority.MeterResult{Allowed: true, StatusCode: 200}
}

func denied(reason string) authority.MeterResult {
	return authority.MeterResult{Allowed: false, StatusCode: 402, Reason: reason, Remaining: "0.00", PaymentEnabled: true}
}

func unreachable() authority.MeterResult {
	return authority.MeterResult{Error: "authority unreachable: connection refused"}
}

func TestUnprovisionedDenied(t *testing.T) {
	s, _, _, client := newFixture(t)

	_, err := s.CheckAndMeter(t.Context(), CategorySetup, 0.01, "rid")
	var unprov *UnprovisionedError
	assert.ErrorAs(t, err, &unprov)
	assert.Empty(t, client.calls, "no authority call before provisioning")
}

func TestProvisionedOfflinePolicy(t *testing.T) {
	s, st, q, client := newFixture(t)
	require.NoError(t, st.Provision("VZ-1", "bt"))

	t.Run("setup allowed offline and queued", func(t *testing.T) {
		d, err := s.CheckAndMeter(t.Context(), CategorySetup, 0.01, "rid-setup")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Offline)
		assert.Equal(t, 1, q.Count())
		assert.Empty(t, client.calls)
	})

	t.Run("data requires activation", func(t *testing.T) {
		_, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid-data")
		var actErr *ActivationRequiredError
		require.ErrorAs(t, err, &actErr)
		assert.Equal(t, "VZ-1", actErr.Serial)
	})
}

func TestDegradedOfflinePolicy(t *testing.T) {
	s, st, q, _ := newFixture(t)
	require.NoError(t, st.Provision("VZ-1", "bt"))
	require.NoError(t, st.TransitionToActive("it"))
	for i := 0; i < store.DefaultFailureThreshold; i++ {
		_, err := st.RecordFailure()
		require.NoError(t, err)
	}
	require.Equal(t, store.StateDegraded, st.State())

	t.Run("setup allowed offline", func(t *testing.T) {
		d, err := s.CheckAndMeter(t.Context(), CategorySetup, 0.01, "rid")
		require.NoError(t, err)
		assert.True(t, d.Offline)
		assert.Equal(t, 1, q.Count())
	})

	t.Run("data blocked", func(t *testing.T) {
		_, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid2")
		var exhausted *CreditExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, ReasonOfflineDataBlocked, exhausted.Reason)
	})
}

func TestActiveMetering(t *testing.T) {
	activate := func(t *testing.T, st *store.Store) {
		require.NoError(t, st.Provision("VZ-1", "bt"))
		require.NoError(t, st.TransitionToActive("it"))
	}

	t.Run("allowed", func(t *testing.T) {
		s, st, q, client := newFixture(t, allowed())
		activate(t, st)

		d, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.Offline)
		assert.Equal(t, []string{"rid"}, client.calls)
		assert.Equal(t, 0, q.Count())
	})

	t.Run("denied surfaces credit exhaustion", func(t *testing.T) {
		s, st, _, _ := newFixture(t, denied("credits_exhausted"))
		activate(t, st)
		require.NoError(t, st.UpdateStatusCache(map[string]any{"setup_remaining_usd": "0.50"}, testTime()))

		_, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
		var exhausted *CreditExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, "credits_exhausted", exhausted.Reason)
		assert.Equal(t, "0.00", exhausted.RemainingUSD)
		assert.Equal(t, "0.50", exhausted.SetupRemainingUSD)
		assert.True(t, exhausted.PaymentEnabled)

		// A denial is a successful round-trip; the machine stays ACTIVE.
		assert.Equal(t, store.StateActive, st.State())
		assert.Zero(t, st.Snapshot().ConsecutiveFailures)
	})

	t.Run("401 unprovisions", func(t *testing.T) {
		s, st, _, _ := newFixture(t, authority.MeterResult{StatusCode: 401, Error: "unknown install token"})
		activate(t, st)

		_, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
		var actErr *ActivationRequiredError
		require.ErrorAs(t, err, &actErr)
		assert.Equal(t, store.StateUnprovisioned, st.State())
	})

	t.Run("migrated flag flips the machine", func(t *testing.T) {
		s, st, _, _ := newFixture(t, authority.MeterResult{Allowed: true, StatusCode: 200, Migrated: true})
		activate(t, st)

		d, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, store.StateMigrated, st.State())
	})

	t.Run("setup falls back offline on failure", func(t *testing.T) {
		s, st, q, _ := newFixture(t, unreachable())
		activate(t, st)

		d, err := s.CheckAndMeter(t.Context(), CategorySetup, 0.01, "rid")
		require.NoError(t, err)
		assert.True(t, d.Offline)
		assert.Equal(t, 1, q.Count())
		assert.Equal(t, 1, st.Snapshot().ConsecutiveFailures)
	})

	t.Run("data offline allowance then blocked", func(t *testing.T) {
		s, st, q, _ := newFixture(t, unreachable())
		activate(t, st)
		s.OfflineDataFailureLimit = 3

		// Failures 1 and 2 stay under the post-increment limit.
		for i := 0; i < 2; i++ {
			d, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
			require.NoError(t, err)
			assert.True(t, d.Offline)
		}
		assert.Equal(t, 2, q.Count())

		// Failure 3 reaches the limit and blocks data work.
		_, err := s.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
		var exhausted *CreditExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, ReasonOfflineDataBlocked, exhausted.Reason)
		assert.Equal(t, 2, q.Count(), "blocked operations are not queued")
	})
}

func TestLedgerStrategy(t *testing.T) {
	d, err := LedgerStrategy{}.CheckAndMeter(t.Context(), CategoryData, 0.03, "rid")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.Offline)
}

func TestMetererRouting(t *testing.T) {
	t.Run("standalone always allows", func(t *testing.T) {
		m := NewMeterer(true, nil, nil)
		d, err := m.Check(t.Context(), "POST", "/api/v1/search", CategoryData, 0)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Empty(t, d.RequestID)
	})

	t.Run("migrated routes to the ledger", func(t *testing.T) {
		dir := t.TempDir()
		st, err := store.Open(filepath.Join(dir, "serial_state.json"))
		require.NoError(t, err)
		require.NoError(t, st.Provision("VZ-1", "bt"))
		require.NoError(t, st.TransitionToActive("it"))
		require.NoError(t, st.TransitionToMigrated("gw-1"))

		q, err := queue.Open(filepath.Join(dir, "meter_queue.ndjson"))
		require.NoError(t, err)
		client := &fakeAuthority{results: []authority.MeterResult{denied("should not be called")}}
		m := NewMeterer(false, st, NewSerialStrategy(st, client, q))

		d, err := m.Check(t.Context(), "POST", "/api/v1/search", CategoryData, 0)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Empty(t, client.calls, "migrated machines never call the serial authority")
	})
}
