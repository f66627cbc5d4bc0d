// Package issues tracks non-critical operational issues by error code. The
// tracker is a bounded LRU: at most 100 distinct codes are remembered, and
// an issue counts as active only while it keeps recurring.
package issues

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vectoraiz/vectoraiz/pkg/errcat"
)

const (
	// MaxTracked bounds the number of distinct codes held in memory.
	MaxTracked = 100

	// AutoClearWindow is how long an issue stays active after its last
	// occurrence.
	AutoClearWindow = time.Hour
)

// Issue is one tracked issue, keyed by code.
type Issue struct {
	Code      string    `json:"code"`
	Component string    `json:"component"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Tracker is the bounded recent-issue store. All operations are serialized;
// Record is atomic with respect to ActiveIssues and Persist.
type Tracker struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *Issue]
	path  string
	now   func() time.Time
}

// NewTracker creates a tracker persisting to path. An empty path disables
// persistence.
func NewTracker(path string) *Tracker {
	cache, _ := lru.New[string, *Issue](MaxTracked)
	return &Tracker{cache: cache, path: path, now: time.Now}
}

// Record notes one occurrence of code. An empty component is derived from
// the middle segment of the code, lowercased. Recording promotes the issue
// to most recently used; at capacity the least recent code is evicted.
func (t *Tracker) Record(code, component string) {
	if component == "" {
		component = errcat.ComponentOf(code)
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if issue, ok := t.cache.Get(code); ok {
		issue.Count++
		issue.LastSeen = now
		if component != "" {
			issue.Component = component
		}
		// Re-add to promote; the entry pointer is shared so no copy needed.
		t.cache.Add(code, issue)
		return
	}
	t.cache.Add(code, &Issue{
		Code:      code,
		Component: component,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	})
}

// ActiveIssues returns copies of the issues seen within AutoClearWindow,
// ordered least to most recently used.
func (t *Tracker) ActiveIssues() []Issue {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-AutoClearWindow)
	var out []Issue
	for _, key := range t.cache.Keys() {
		issue, ok := t.cache.Peek(key)
		if !ok {
			continue
		}
		if issue.LastSeen.After(cutoff) {
			out = append(out, *issue)
		}
	}
	return out
}

// Len returns the number of tracked codes, active or not.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}

// Persist writes the current issue list to disk. No-op without a path.
func (t *Tracker) Persist() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.path == "" {
		return nil
	}
	var list []Issue
	for _, key := range t.cache.Keys() {
		if issue, ok := t.cache.Peek(key); ok {
			list = append(list, *issue)
		}
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(t.path, data, 0o600)
}

// Reload restores issues from disk. Best-effort: a missing or corrupt file
// is logged and ignored.
func (t *Tracker) Reload() {
	if t.path == "" {
		return
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("issue tracker reload failed", "path", t.path, "error", err)
		}
		return
	}
	var list []Issue
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("issue tracker state corrupt, ignoring", "path", t.path, "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range list {
		issue := list[i]
		t.cache.Add(issue.Code, &issue)
	}
}
