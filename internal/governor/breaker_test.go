package governor

import (
	"testing"
	"time"
)

func TestBreaker_ClosedAllowsByDefault(t *testing.T) {
	b := newBreaker("ignition", BreakerConfig{})

	if err := b.Allow(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if b.State() != breakerClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := newBreaker("reboot", BreakerConfig{MaxFailures: 3, Timeout: time.Second})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	if b.State() != breakerOpen {
		t.Errorf("expected open, got %v", b.State())
	}
	if err := b.Allow(); err != ErrCircuitOpen {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_HalfOpenProbeAfterTimeout(t *testing.T) {
	b := newBreaker("health", BreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 2})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to be allowed, got %v", err)
	}
	if b.State() != breakerHalfOpen {
		t.Errorf("expected half-open, got %v", b.State())
	}

	for i := 0; i < 2; i++ {
		b.RecordSuccess()
	}

	if b.State() != breakerClosed {
		t.Errorf("expected closed after probe successes, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newBreaker("metric", BreakerConfig{MaxFailures: 1, Timeout: 10 * time.Millisecond, HalfOpenMax: 1})

	b.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	b.Allow()
	b.RecordFailure()

	if b.State() != breakerOpen {
		t.Errorf("expected re-opened, got %v", b.State())
	}
}

func TestBreaker_OnStateChangeFires(t *testing.T) {
	changes := make(chan string, 4)
	b := newBreaker("template", BreakerConfig{
		MaxFailures: 1,
		Timeout:     time.Hour,
		OnStateChange: func(queue, from, to string) {
			changes <- queue + ":" + from + "->" + to
		},
	})

	b.RecordFailure()

	select {
	case got := <-changes:
		want := "template:closed->open"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state change callback")
	}
}
