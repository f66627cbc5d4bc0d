package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(id string) PendingMeterEvent {
	return PendingMeterEvent{
		Category:  "data",
		Cost:      0.03,
		RequestID: id,
		Timestamp: time.Now().UTC(),
	}
}

func TestQueueAppendAndPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter_queue.ndjson")
	q, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Count())

	require.NoError(t, q.Append(event("r1")))
	require.NoError(t, q.Append(event("r2")))
	require.NoError(t, q.Append(event("r3")))
	assert.Equal(t, 3, q.Count())

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "r1", pending[0].RequestID)
	assert.Equal(t, "r3", pending[2].RequestID)
}

func TestQueueReopenCountsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter_queue.ndjson")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Append(event("r1")))
	require.NoError(t, q.Append(event("r2")))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Count())
}

func TestQueueRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter_queue.ndjson")
	q, err := Open(path)
	require.NoError(t, err)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		require.NoError(t, q.Append(event(id)))
	}

	pending, err := q.Pending()
	require.NoError(t, err)
	require.NoError(t, q.Rewrite(pending[2:]))

	assert.Equal(t, 2, q.Count())
	remaining, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "r3", remaining[0].RequestID)

	// Rewriting to empty truncates the file.
	require.NoError(t, q.Rewrite(nil))
	assert.Equal(t, 0, q.Count())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestQueueTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter_queue.ndjson")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Append(event("r1")))
	require.NoError(t, q.Append(event("r2")))

	// Simulate a crash mid-append: a truncated JSON record at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"category":"data","cost":0.03,"request_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Count(), "valid prefix survives the torn tail")

	pending, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r2", pending[1].RequestID)
}

func TestQueueAppendAfterTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter_queue.ndjson")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Append(event("r1")))

	// Crash mid-append: a partial record with no trailing newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"category":"data","cost":0.03,"request_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// The next append must not fuse with the torn fragment.
	require.NoError(t, q.Append(event("r2")))

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "r1", pending[0].RequestID)
	assert.Equal(t, "r2", pending[1].RequestID)
	assert.Equal(t, 2, q.Count())

	// Rewrite drops only the torn fragment.
	require.NoError(t, q.Rewrite(pending))
	remaining, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, "r2", remaining[1].RequestID)
}

func TestQueueFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter_queue.ndjson")
	q, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, q.Append(event("r1")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
