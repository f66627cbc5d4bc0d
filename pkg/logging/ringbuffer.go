package logging

import "sync"

// DefaultRingCapacity is the number of recent log entries kept in memory.
const DefaultRingCapacity = 5000

// RingBuffer is a fixed-capacity store of recent post-augmentation log
// records. Newest entries win on overflow; the oldest are silently dropped.
// Safe for concurrent use; readers receive copies.
type RingBuffer struct {
	mu      sync.Mutex
	entries []map[string]any
	next    int
	full    bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
// A non-positive capacity falls back to DefaultRingCapacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingBuffer{entries: make([]map[string]any, capacity)}
}

// Append stores one complete record snapshot.
func (r *RingBuffer) Append(entry map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Entries returns up to limit of the most recent records, ordered oldest to
// newest. A non-positive limit returns everything buffered.
func (r *RingBuffer) Entries(limit int) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.size()
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]map[string]any, 0, limit)
	start := r.next - limit
	if !r.full && start < 0 {
		start = 0
	}
	for i := 0; i < limit; i++ {
		idx := (start + i + len(r.entries)) % len(r.entries)
		if r.entries[idx] != nil {
			out = append(out, r.entries[idx])
		}
	}
	return out
}

// Clear drops all buffered records.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make([]map[string]any, len(r.entries))
	r.next = 0
	r.full = false
}

// Len returns the number of buffered records.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size()
}

func (r *RingBuffer) size() int {
	if r.full {
		return len(r.entries)
	}
	return r.next
}
