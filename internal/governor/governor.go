// Package governor implements spec §4.1's concurrency governor: a
// gatekeeper that throttles outbound operations by queue, cloud account,
// and wall-clock window, and trips a circuit breaker when a queue's
// dependency looks unhealthy.
//
// Slot counters (global/queue/account in-flight, and the sliding-window
// rate limiter) are authoritative in Redis so that every control-plane
// instance shares one view of G/Cq/A — per spec §5, "all counters live in
// the shared KV... updates MUST use atomic scripts". The teacher's
// golang.org/x/time/rate limiter is kept too, but only as a local,
// single-process fast path that rejects obviously-over-budget
// acquisitions before paying a Redis round trip; it never grants on its
// own. The circuit breaker, by contrast, is intentionally local per
// instance (see breaker.go) — spec §4.1 scopes it to "a queue", not to
// the fleet, and a per-process view is what the teacher's
// infrastructure/resilience breaker already gives us.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
)

// QueueConfig configures one queue's limits: per-queue concurrency (Cq),
// the sliding-window rate limit (Rq over Wq), and the circuit breaker
// (F consecutive failures, Tr reset timeout).
type QueueConfig struct {
	Queue          string
	MaxConcurrent  int           // Cq
	RateLimit      int           // Rq
	RateWindow     time.Duration // Wq
	Breaker        BreakerConfig
	LocalBurstHint int // local rate.Limiter burst; defaults to RateLimit when zero
}

// Config is the governor's full configuration: the global in-flight cap
// (G), the optional per-account cap (A), and one QueueConfig per queue.
type Config struct {
	GlobalMax     int // G
	PerAccountMax int // A; 0 disables the per-account check
	Queues        []QueueConfig
	// CounterTTL bounds how long a leaked (never-released) slot lingers
	// in Redis after a crashed instance — a safety net, not a substitute
	// for calling release.
	CounterTTL time.Duration
}

type queueState struct {
	cfg     QueueConfig
	breaker *breaker
	local   *rate.Limiter
}

// Governor enforces spec §4.1 across every call to Acquire.
type Governor struct {
	kv     *kvstore.Store
	cfg    Config
	mu     sync.RWMutex
	queues map[string]*queueState
}

// New builds a Governor. kv must already be open.
func New(kv *kvstore.Store, cfg Config) *Governor {
	if cfg.GlobalMax <= 0 {
		cfg.GlobalMax = 1 << 30 // effectively unbounded
	}
	if cfg.CounterTTL <= 0 {
		cfg.CounterTTL = 10 * time.Minute
	}

	g := &Governor{kv: kv, cfg: cfg, queues: make(map[string]*queueState, len(cfg.Queues))}
	for _, qc := range cfg.Queues {
		g.queues[qc.Queue] = newQueueState(qc)
	}
	return g
}

func newQueueState(qc QueueConfig) *queueState {
	burst := qc.LocalBurstHint
	if burst <= 0 {
		burst = qc.RateLimit
	}
	if burst <= 0 {
		burst = 1
	}
	var limit rate.Limit = rate.Inf
	if qc.RateLimit > 0 && qc.RateWindow > 0 {
		limit = rate.Limit(float64(qc.RateLimit) / qc.RateWindow.Seconds())
	}
	return &queueState{
		cfg:     qc,
		breaker: newBreaker(qc.Queue, qc.Breaker),
		local:   rate.NewLimiter(limit, burst),
	}
}

// Lease represents one granted slot. Release MUST be called exactly once.
type Lease struct {
	release func(ctx context.Context) error
	once    sync.Once
}

// Release frees the slot. Idempotent: calling it more than once is a
// no-op after the first call returns.
func (l *Lease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() { err = l.release(ctx) })
	return err
}

func (g *Governor) stateFor(queue string) (*queueState, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	qs, ok := g.queues[queue]
	if !ok {
		return nil, errs.New(errs.ValidationFailed, fmt.Sprintf("governor: unknown queue %q", queue)).WithContext("queue", queue)
	}
	return qs, nil
}

// Acquire reserves a slot for jobID on queue, optionally scoped to
// accountID. On grant it returns a Lease the caller must Release exactly
// once. On denial it returns a nil lease, a positive retryAfterMs, and a
// GOVERNOR_DENIED or RATE_LIMIT_EXCEEDED error.
func (g *Governor) Acquire(ctx context.Context, queue, jobID, accountID string) (*Lease, int64, error) {
	qs, err := g.stateFor(queue)
	if err != nil {
		return nil, 0, err
	}

	if err := qs.breaker.Allow(); err != nil {
		remaining := qs.cfg.Breaker.withDefaults().Timeout.Milliseconds()
		return nil, remaining, errs.New(errs.GovernorDenied, fmt.Sprintf("circuit open for queue %q", queue)).
			WithContext("queue", queue).WithContext("job_id", jobID)
	}

	// Local fast path: a local "no" is cheap and saves a Redis round
	// trip, but only Redis's sliding window below is authoritative — a
	// local "yes" never grants by itself.
	if !qs.local.Allow() {
		return nil, int64(qs.cfg.RateWindow / time.Millisecond), errs.New(errs.RateLimitExceeded, fmt.Sprintf("rate limit exceeded for queue %q", queue)).
			WithContext("queue", queue).WithContext("job_id", jobID)
	}

	retryAfterMs, err := g.checkRateWindow(ctx, qs, jobID)
	if err != nil {
		return nil, 0, err
	}
	if retryAfterMs > 0 {
		return nil, retryAfterMs, errs.New(errs.RateLimitExceeded, fmt.Sprintf("rate limit exceeded for queue %q", queue)).
			WithContext("queue", queue).WithContext("job_id", jobID)
	}

	keys, maxima := g.slotKeysAndMaxima(qs, accountID)
	granted, err := g.tryAcquireSlots(ctx, keys, maxima)
	if err != nil {
		return nil, 0, errs.Wrap(errs.DegradedDependency, "governor: acquire slots", err).WithContext("queue", queue)
	}
	if !granted {
		return nil, int64(qs.cfg.RateWindow / time.Millisecond), errs.New(errs.GovernorDenied, fmt.Sprintf("no capacity for queue %q", queue)).
			WithContext("queue", queue).WithContext("job_id", jobID)
	}

	lease := &Lease{release: func(ctx context.Context) error {
		return g.releaseSlots(ctx, keys)
	}}
	return lease, 0, nil
}

// RecordSuccess feeds a completed, successful dispatch to the queue's
// circuit breaker.
func (g *Governor) RecordSuccess(queue string) {
	if qs, err := g.stateFor(queue); err == nil {
		qs.breaker.RecordSuccess()
	}
}

// RecordFailure feeds a completed, failed dispatch to the queue's circuit
// breaker.
func (g *Governor) RecordFailure(queue string) {
	if qs, err := g.stateFor(queue); err == nil {
		qs.breaker.RecordFailure()
	}
}

func (g *Governor) checkRateWindow(ctx context.Context, qs *queueState, jobID string) (int64, error) {
	if qs.cfg.RateLimit <= 0 || qs.cfg.RateWindow <= 0 {
		return 0, nil
	}
	key := fmt.Sprintf("governor:rate:%s", qs.cfg.Queue)
	now := float64(time.Now().UnixNano()) / 1e6
	res, err := kvstore.RunScript(ctx, g.kv.Client(), rateScript, []string{key},
		now, qs.cfg.RateWindow.Milliseconds(), qs.cfg.RateLimit, jobID)
	if err != nil {
		return 0, err
	}
	ms, _ := toInt64(res)
	return ms, nil
}

func (g *Governor) slotKeysAndMaxima(qs *queueState, accountID string) ([]string, []interface{}) {
	keys := []string{"governor:slots:global", fmt.Sprintf("governor:slots:queue:%s", qs.cfg.Queue)}
	maxima := []interface{}{g.cfg.GlobalMax, qs.cfg.MaxConcurrent}
	if accountID != "" && g.cfg.PerAccountMax > 0 {
		keys = append(keys, fmt.Sprintf("governor:slots:account:%s", accountID))
		maxima = append(maxima, g.cfg.PerAccountMax)
	}
	return keys, maxima
}

func (g *Governor) tryAcquireSlots(ctx context.Context, keys []string, maxima []interface{}) (bool, error) {
	args := append(append([]interface{}{}, maxima...), int64(g.cfg.CounterTTL/time.Second))
	res, err := kvstore.RunScript(ctx, g.kv.Client(), acquireScript, keys, args...)
	if err != nil {
		return false, err
	}
	n, _ := toInt64(res)
	return n == 1, nil
}

func (g *Governor) releaseSlots(ctx context.Context, keys []string) error {
	_, err := kvstore.RunScript(ctx, g.kv.Client(), releaseScript, keys)
	return err
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
