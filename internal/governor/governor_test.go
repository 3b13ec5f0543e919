package governor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
)

func TestNew_AppliesDefaults(t *testing.T) {
	g := New(nil, Config{Queues: []QueueConfig{{Queue: "ignition", MaxConcurrent: 5}}})

	if g.cfg.GlobalMax <= 0 {
		t.Errorf("expected a positive default global max, got %d", g.cfg.GlobalMax)
	}
	if g.cfg.CounterTTL <= 0 {
		t.Errorf("expected a positive default counter TTL, got %v", g.cfg.CounterTTL)
	}
	if _, ok := g.queues["ignition"]; !ok {
		t.Fatal("expected ignition queue state to be registered")
	}
}

func TestAcquire_UnknownQueue(t *testing.T) {
	g := New(nil, Config{})

	_, _, err := g.Acquire(context.Background(), "nonexistent", "job-1", "")
	if kind, ok := errs.KindOf(err); !ok || kind != errs.ValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

func TestAcquire_DeniedWhenCircuitOpen(t *testing.T) {
	g := New(nil, Config{Queues: []QueueConfig{{
		Queue:         "reboot",
		MaxConcurrent: 10,
		Breaker:       BreakerConfig{MaxFailures: 1, Timeout: time.Hour},
	}}})

	g.RecordFailure("reboot")

	_, retryAfterMs, err := g.Acquire(context.Background(), "reboot", "job-1", "")
	if kind, ok := errs.KindOf(err); !ok || kind != errs.GovernorDenied {
		t.Fatalf("expected GOVERNOR_DENIED, got %v", err)
	}
	if retryAfterMs <= 0 {
		t.Errorf("expected a positive retryAfterMs, got %d", retryAfterMs)
	}
}

// TestAcquire_GrantsAndReleases exercises the full Redis-backed path and
// only runs when a reachable instance is configured via GOVERNOR_TEST_REDIS_ADDR,
// matching the repo's convention of skipping integration tests the sandbox
// can't satisfy rather than faking the dependency.
func TestAcquire_GrantsAndReleases(t *testing.T) {
	addr := os.Getenv("GOVERNOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GOVERNOR_TEST_REDIS_ADDR not set, skipping Redis-backed governor test")
	}

	ctx := context.Background()
	kv, err := kvstore.Open(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer kv.Close()

	g := New(kv, Config{
		GlobalMax: 10,
		Queues: []QueueConfig{{
			Queue:         "health",
			MaxConcurrent: 1,
			RateLimit:     100,
			RateWindow:    time.Second,
		}},
	})

	lease, retryAfterMs, err := g.Acquire(ctx, "health", "job-1", "")
	if err != nil {
		t.Fatalf("expected grant, got err %v (retryAfterMs=%d)", err, retryAfterMs)
	}

	_, _, err = g.Acquire(ctx, "health", "job-2", "")
	if kind, ok := errs.KindOf(err); !ok || kind != errs.GovernorDenied {
		t.Fatalf("expected second acquire to be denied while queue is saturated, got %v", err)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lease.Release(ctx); err != nil {
		t.Fatalf("second release must be a no-op, got %v", err)
	}

	lease2, _, err := g.Acquire(ctx, "health", "job-3", "")
	if err != nil {
		t.Fatalf("expected grant after release, got %v", err)
	}
	_ = lease2.Release(ctx)
}
