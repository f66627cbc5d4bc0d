// Package queue persists meter events that could not reach the authority.
// The file is append-only NDJSON: one JSON record per line, insertion order
// preserved. Replay is at-least-once; the authority deduplicates on the
// request_id carried by each event.
package queue

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PendingMeterEvent is one queued chargeable operation.
type PendingMeterEvent struct {
	Category    string    `json:"category"`
	Cost        float64   `json:"cost"`
	RequestID   string    `json:"request_id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// OfflineQueue is the append-only on-disk queue. Internally serialized.
type OfflineQueue struct {
	mu    sync.Mutex
	path  string
	count int
}

// Open attaches to the queue file at path, counting existing records.
// A line truncated by a crash is dropped on the next rewrite; records on
// either side of it are preserved.
func Open(path string) (*OfflineQueue, error) {
	q := &OfflineQueue{path: path}
	events, err := q.readAll()
	if err != nil {
		return nil, err
	}
	q.count = len(events)
	return q, nil
}

// Append adds one event to the end of the queue.
func (q *OfflineQueue) Append(ev PendingMeterEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("offline queue: marshal: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("offline queue: open: %w", err)
	}
	defer f.Close()

	// A crash mid-append can leave the last line without its newline. The
	// new record must start on its own line, or it would fuse with the torn
	// fragment and be lost with it.
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			data = append([]byte{'\n'}, data...)
		}
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("offline queue: append: %w", err)
	}
	q.count++
	return nil
}

// Count returns the number of pending events.
func (q *OfflineQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Pending returns all queued events in insertion order.
func (q *OfflineQueue) Pending() ([]PendingMeterEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readAll()
}

// Rewrite atomically replaces the queue contents with the given remainder.
// Used by the replay processor after draining a prefix of the queue.
func (q *OfflineQueue) Rewrite(events []PendingMeterEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".meter_queue-*.tmp")
	if err != nil {
		return fmt.Errorf("offline queue: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("offline queue: chmod: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("offline queue: marshal: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("offline queue: write: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("offline queue: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("offline queue: close: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		return fmt.Errorf("offline queue: rename: %w", err)
	}
	q.count = len(events)
	return nil
}

// readAll parses the queue file. A record cut short by a crash is skipped;
// appends made after the torn line stay visible. Callers hold the mutex.
func (q *OfflineQueue) readAll() ([]PendingMeterEvent, error) {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offline queue: open: %w", err)
	}
	defer f.Close()

	var events []PendingMeterEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev PendingMeterEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Torn line from a crash mid-append.
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("offline queue: scan: %w", err)
	}
	return events, nil
}
