// Package heartbeat implements spec.md §4.3's heartbeat processor: it
// subscribes to the heartbeat:* pub/sub topic, coalesces samples
// last-writer-wins in memory, and flushes them to storage on a fixed
// schedule via bulk upsert. Grounded on internal/platform/kvstore's
// go-redis v8 client and internal/worker/pool.go's Start/Stop shape.
package heartbeat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/domain/heartbeat"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

var _ system.Service = (*Processor)(nil)

const (
	topicPattern      = "heartbeat:*"
	defaultFlushEvery = 10 * time.Second
	healthyMultiplier = 3
)

// Config tunes the flush cadence; zero falls back to spec.md §4.3's
// default of F=10s.
type Config struct {
	FlushInterval time.Duration
}

// Processor subscribes to heartbeat samples and periodically upserts the
// coalesced state into storage.
type Processor struct {
	kv       *kvstore.Store
	droplets storage.DropletStore
	log      *logger.Logger

	flushEvery time.Duration

	mu          sync.Mutex
	buffer      map[string]heartbeat.Heartbeat // keyed by droplet ID, last-writer-wins
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastFlushAt time.Time
	flushErrors int64
}

// New builds a Processor.
func New(kv *kvstore.Store, droplets storage.DropletStore, cfg Config, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault("heartbeat")
	}
	flushEvery := cfg.FlushInterval
	if flushEvery <= 0 {
		flushEvery = defaultFlushEvery
	}
	return &Processor{
		kv: kv, droplets: droplets, log: log,
		flushEvery: flushEvery,
		buffer:     make(map[string]heartbeat.Heartbeat),
	}
}

func (p *Processor) Name() string { return "heartbeat" }

func (p *Processor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         p.Name(),
		Domain:       "fleet-health",
		Layer:        core.LayerEngine,
		Capabilities: []string{"heartbeat-ingest", "bulk-upsert"},
	}
}

// Healthy reports spec.md §4.3's definition: running AND a flush
// occurred within 3*F seconds.
func (p *Processor) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	if p.lastFlushAt.IsZero() {
		return true
	}
	return time.Since(p.lastFlushAt) <= healthyMultiplier*p.flushEvery
}

// FlushErrors reports the count of flush cycles that failed to persist
// at least one buffered sample.
func (p *Processor) FlushErrors() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushErrors
}

// Status is a snapshot of the processor's run state, consumed by
// internal/httpapi's /health report (spec.md §6.6).
type Status struct {
	Running        bool
	LastRunAt      time.Time
	ErrorCount     int64
	Degraded       bool
	DegradedReason string
}

// Status returns a point-in-time snapshot of the processor's run state.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	healthy := p.running && (p.lastFlushAt.IsZero() || time.Since(p.lastFlushAt) <= healthyMultiplier*p.flushEvery)
	st := Status{
		Running:    p.running,
		LastRunAt:  p.lastFlushAt,
		ErrorCount: p.flushErrors,
		Degraded:   p.running && !healthy,
	}
	if st.Degraded {
		st.DegradedReason = "no successful flush within 3x the flush interval"
	}
	return st
}

func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.lastFlushAt = time.Now().UTC()
	p.mu.Unlock()

	sub := p.kv.Client().PSubscribe(runCtx, topicPattern)

	p.wg.Add(2)
	go p.ingestLoop(runCtx, sub)
	go p.flushLoop(runCtx)

	p.log.WithField("flush_interval", p.flushEvery).Info("heartbeat processor started")
	return nil
}

func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Final best-effort flush of whatever is left buffered.
	p.flush(context.Background())
	p.log.Info("heartbeat processor stopped")
	return nil
}

func (p *Processor) ingestLoop(ctx context.Context, sub *redis.PubSub) {
	defer p.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			p.ingest(msg.Payload)
		}
	}
}

func (p *Processor) ingest(payload string) {
	var hb heartbeat.Heartbeat
	if err := json.Unmarshal([]byte(payload), &hb); err != nil {
		p.log.WithError(err).Warn("heartbeat: discarding malformed sample")
		return
	}
	if hb.DropletID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	existing, ok := p.buffer[hb.DropletID]
	if !ok || hb.Timestamp.After(existing.Timestamp) {
		p.buffer[hb.DropletID] = hb
	}
}

func (p *Processor) flushLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// flush implements spec.md §4.3's bulk-upsert-with-merge-on-failure
// behavior: entries that fail to persist are left in the buffer (unless
// overwritten meanwhile by a newer sample) so the next cycle retries
// them.
func (p *Processor) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = make(map[string]heartbeat.Heartbeat, len(pending))
	p.mu.Unlock()

	if len(pending) == 0 {
		p.mu.Lock()
		p.lastFlushAt = time.Now().UTC()
		p.mu.Unlock()
		return
	}

	failed := make(map[string]heartbeat.Heartbeat)
	for dropletID, hb := range pending {
		if _, err := p.droplets.UpdateHealth(ctx, dropletID, hb); err != nil {
			p.log.WithError(err).WithField("droplet_id", dropletID).Warn("heartbeat: flush failed, re-buffering")
			failed[dropletID] = hb
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastFlushAt = time.Now().UTC()
	if len(failed) > 0 {
		p.flushErrors++
		for dropletID, hb := range failed {
			// A newer sample may have arrived for this droplet while the
			// flush was in flight; last-writer-wins still applies.
			if current, ok := p.buffer[dropletID]; !ok || hb.Timestamp.After(current.Timestamp) {
				p.buffer[dropletID] = hb
			}
		}
	}
}
