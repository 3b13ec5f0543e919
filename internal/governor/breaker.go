package governor

import (
	"errors"
	"sync"
	"time"
)

// breakerState mirrors infrastructure/resilience.State: closed, open,
// half-open, adapted so Allow/RecordSuccess/RecordFailure can be called
// independently instead of wrapping a single fn in Execute — the governor
// grants a slot well before it learns whether the dispatched job
// succeeded, so the two can't be one call.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by Allow when the queue's breaker is open.
var ErrCircuitOpen = errors.New("governor: circuit open for queue")

// BreakerConfig configures one queue's circuit breaker.
type BreakerConfig struct {
	MaxFailures   int           // consecutive failures before opening (spec F)
	Timeout       time.Duration // time in open state before probing (spec Tr)
	HalfOpenMax   int           // probe requests allowed in half-open
	OnStateChange func(queue string, from, to string)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// breaker is a per-queue, in-process circuit breaker. Governor state
// (slot counters) is authoritative across instances via Redis; the
// breaker intentionally is not — each instance opens on its own view of
// its own dispatch failures, matching the teacher's single-process
// circuit_breaker.go shape.
type breaker struct {
	mu           sync.Mutex
	queue        string
	cfg          BreakerConfig
	state        breakerState
	failures     int
	successes    int
	halfOpenReqs int
	lastFailure  time.Time
}

func newBreaker(queue string, cfg BreakerConfig) *breaker {
	return &breaker{queue: queue, cfg: cfg.withDefaults(), state: breakerClosed}
}

// Allow reports whether a new dispatch attempt may proceed, transitioning
// open->half-open once the timeout has elapsed.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if time.Since(b.lastFailure) > b.cfg.Timeout {
			b.setState(breakerHalfOpen)
			b.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case breakerHalfOpen:
		if b.halfOpenReqs >= b.cfg.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.halfOpenReqs++
	}
	return nil
}

// RecordSuccess reports a completed dispatch that succeeded.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.setState(breakerClosed)
		}
	case breakerClosed:
		b.failures = 0
	}
}

// RecordFailure reports a completed dispatch that failed.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case breakerHalfOpen:
		b.setState(breakerOpen)
	case breakerClosed:
		if b.failures >= b.cfg.MaxFailures {
			b.setState(breakerOpen)
		}
	}
}

func (b *breaker) State() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) setState(newState breakerState) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	b.failures = 0
	b.successes = 0
	b.halfOpenReqs = 0

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.queue, old.String(), newState.String())
	}
}
