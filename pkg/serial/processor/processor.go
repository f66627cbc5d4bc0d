// Package processor replays the offline meter queue once the authority is
// reachable again. Replay is at-least-once: each pending event is re-sent
// with its original request_id and the authority deduplicates.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vectoraiz/vectoraiz/pkg/logging"
	"github.com/vectoraiz/vectoraiz/pkg/serial/metering"
	"github.com/vectoraiz/vectoraiz/pkg/serial/queue"
	"github.com/vectoraiz/vectoraiz/pkg/serial/store"
)

// DefaultInterval is the time between replay attempts.
const DefaultInterval = 30 * time.Second

// Processor drains the offline queue while the machine is ACTIVE.
type Processor struct {
	store    *store.Store
	queue    *queue.OfflineQueue
	client   metering.AuthorityClient
	interval time.Duration
	log      *slog.Logger

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires a queue processor. A zero interval takes the default.
func New(st *store.Store, q *queue.OfflineQueue, client metering.AuthorityClient, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Processor{
		store:    st,
		queue:    q,
		client:   client,
		interval: interval,
		log:      logging.Component("meterqueue"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the replay loop.
func (p *Processor) Start(ctx context.Context) {
	p.running.Store(true)
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop terminates the loop and waits for the current pass to finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.running.Store(false)
}

// Running reports whether the replay loop is active.
func (p *Processor) Running() bool {
	return p.running.Load()
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.replayOnce(ctx)
		}
	}
}

// replayOnce drains as much of the queue as the authority accepts. On the
// first transport failure the remainder stays queued for the next tick.
func (p *Processor) replayOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("queue replay panicked", "panic", r)
		}
	}()

	snap := p.store.Snapshot()
	if snap.State != store.StateActive {
		return
	}
	pending, err := p.queue.Pending()
	if err != nil {
		p.log.Warn("failed to read offline queue", "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	p.log.Info("replaying offline meter events", "count", len(pending))
	sent := 0
	for _, ev := range pending {
		result := p.client.Meter(ctx, snap.Serial, snap.InstallToken,
			ev.Category, ev.Cost, ev.RequestID, ev.Description)
		if result.Error != "" && result.StatusCode == 0 {
			// Authority unreachable again; stop and keep the remainder.
			p.log.Warn("authority unreachable during replay, deferring",
				"sent", sent, "remaining", len(pending)-sent)
			break
		}
		// Any authoritative response (allowed, denied, or rejected) means
		// the event was consumed; a denial here is historical and not
		// actionable.
		sent++
	}

	if sent == 0 {
		return
	}
	if err := p.queue.Rewrite(pending[sent:]); err != nil {
		p.log.Error("failed to rewrite offline queue after replay", "error", err)
		return
	}
	p.log.Info("offline meter replay complete", "sent", sent, "remaining", len(pending)-sent)
}
