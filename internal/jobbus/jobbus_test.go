package jobbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
)

func TestBackoffDelay_Exponential(t *testing.T) {
	b := job.Backoff{Kind: job.BackoffExponential, BaseMs: 1000}

	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
	}
	for attempt, want := range cases {
		if got := backoffDelay(b, attempt); got != want {
			t.Errorf("attempt %d: got %v, want %v", attempt, got, want)
		}
	}
}

func TestBackoffDelay_Fixed(t *testing.T) {
	b := job.Backoff{Kind: job.BackoffFixed, BaseMs: 2000}

	for attempt := 1; attempt <= 3; attempt++ {
		if got := backoffDelay(b, attempt); got != 2*time.Second {
			t.Errorf("attempt %d: got %v, want 2s", attempt, got)
		}
	}
}

func TestEncodeDecodeJob_RoundTrips(t *testing.T) {
	original := &job.Job{
		ID:          "job-1",
		Queue:       "ignition",
		Payload:     job.Ignition{TenantID: "t-1", Slug: "acme", Region: "nyc1"},
		Priority:    1,
		MaxAttempts: 5,
		Backoff:     job.Backoff{Kind: job.BackoffExponential, BaseMs: 5000},
		Status:      job.StatusPending,
		EnqueuedAt:  time.Now(),
	}

	raw, err := encodeJob(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeJob(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.ID != original.ID || decoded.Queue != original.Queue {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
	ignition, ok := decoded.Payload.(job.Ignition)
	if !ok {
		t.Fatalf("expected job.Ignition payload, got %T", decoded.Payload)
	}
	if ignition.TenantID != "t-1" || ignition.Slug != "acme" {
		t.Errorf("payload fields lost in round trip: %+v", ignition)
	}
}

func TestQueueConfig_UnknownQueueRejected(t *testing.T) {
	bus := New(nil, []QueueConfig{{Name: "ignition"}}, nil)

	_, err := bus.Add(context.Background(), "nonexistent", job.Teardown{}, AddOptions{})
	if kind, ok := errs.KindOf(err); !ok || kind != errs.ValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
}

// TestBus_AddClaimCompleteFail exercises the full Redis-backed path and
// only runs when a reachable instance is configured via
// JOBBUS_TEST_REDIS_ADDR, matching the repo's convention of skipping
// integration tests the sandbox can't satisfy rather than faking Redis.
func TestBus_AddClaimCompleteFail(t *testing.T) {
	addr := os.Getenv("JOBBUS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBBUS_TEST_REDIS_ADDR not set, skipping Redis-backed jobbus test")
	}

	ctx := context.Background()
	kv, err := kvstore.Open(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer kv.Close()

	bus := New(kv, []QueueConfig{{
		Name:              "health",
		MaxAttempts:       2,
		Backoff:           job.Backoff{Kind: job.BackoffFixed, BaseMs: 1},
		DLQAlertThreshold: 1,
	}}, nil)

	id, err := bus.Add(ctx, "health", job.WakeDroplet{TenantID: "t-1", DropletID: "d-1"}, AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	claimed, err := bus.Claim(ctx, "health")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != id {
		t.Fatalf("expected to claim job %s, got %+v", id, claimed)
	}

	deadLettered, err := bus.Fail(ctx, claimed, errors.New("sidecar unreachable"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if deadLettered {
		t.Fatal("expected first failure to reschedule, not dead-letter")
	}

	if _, err := bus.PromoteDelayed(ctx, "health"); err != nil {
		t.Fatalf("promote delayed: %v", err)
	}
	reclaimed, err := bus.Claim(ctx, "health")
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != id {
		t.Fatalf("expected to reclaim job %s after promotion, got %+v", id, reclaimed)
	}

	deadLettered, err = bus.Fail(ctx, reclaimed, errors.New("sidecar unreachable"))
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if !deadLettered {
		t.Fatal("expected second failure to dead-letter")
	}

	entries, err := bus.ListDLQ(ctx, "health", 10)
	if err != nil {
		t.Fatalf("list dlq: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID != id {
		t.Fatalf("expected one dlq entry for job %s, got %+v", id, entries)
	}

	newID, err := bus.Replay(ctx, "health", entries[0].ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, err := bus.Claim(ctx, "health")
	if err != nil {
		t.Fatalf("claim replayed: %v", err)
	}
	if replayed == nil || replayed.ID != newID || replayed.ReplayOfDLQID != entries[0].ID {
		t.Fatalf("expected replayed job %s pointing at dlq entry %s, got %+v", newID, entries[0].ID, replayed)
	}

	if err := bus.Complete(ctx, replayed); err != nil {
		t.Fatalf("complete: %v", err)
	}
}
