package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/governor"
	"github.com/fleetctl/controlplane/internal/jobbus"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Handler(job.KindIgnition); ok {
		t.Fatal("expected no handler registered yet")
	}

	called := false
	r.Register(job.KindIgnition, func(ctx context.Context, j *job.Job) error {
		called = true
		return nil
	})

	h, ok := r.Handler(job.KindIgnition)
	if !ok {
		t.Fatal("expected handler to be registered")
	}
	if err := h(context.Background(), &job.Job{}); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !called {
		t.Fatal("expected handler to run")
	}
}

func redisAddr(t *testing.T) string {
	addr := os.Getenv("WORKER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WORKER_TEST_REDIS_ADDR not set, skipping integration test")
	}
	return addr
}

func TestQueueWorker_ClaimsAndDispatches(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	kv, err := kvstore.Open(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer kv.Close()

	queue := "worker-test-ignition"
	bus := jobbus.New(kv, []jobbus.QueueConfig{{Name: queue, MaxAttempts: 2}}, nil)
	gov := governor.New(kv, governor.Config{
		Queues: []governor.QueueConfig{{Queue: queue, MaxConcurrent: 5}},
	})

	var (
		mu  sync.Mutex
		got []string
	)
	registry := NewRegistry()
	registry.Register(job.KindIgnition, func(ctx context.Context, j *job.Job) error {
		mu.Lock()
		got = append(got, j.ID)
		mu.Unlock()
		return nil
	})

	w := New(queue, bus, gov, registry, nil).WithConcurrency(1)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = w.Stop(ctx) }()

	id, err := bus.Add(ctx, queue, job.Ignition{TenantID: "tenant-1", Slug: "acme"}, jobbus.AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != id {
		t.Fatalf("expected job %s to be dispatched exactly once, got %v", id, got)
	}
}

func TestQueueWorker_FailedHandlerRequeuesThenDeadLetters(t *testing.T) {
	addr := redisAddr(t)
	ctx := context.Background()

	kv, err := kvstore.Open(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer kv.Close()

	queue := "worker-test-reboot"
	bus := jobbus.New(kv, []jobbus.QueueConfig{{
		Name: queue, MaxAttempts: 2,
		Backoff: job.Backoff{Kind: job.BackoffFixed, BaseMs: 10},
	}}, nil)
	gov := governor.New(kv, governor.Config{
		Queues: []governor.QueueConfig{{Queue: queue, MaxConcurrent: 5}},
	})

	registry := NewRegistry()
	registry.Register(job.KindHardRebootDroplet, func(ctx context.Context, j *job.Job) error {
		return errors.New("cloud api unreachable")
	})

	w := New(queue, bus, gov, registry, nil).WithConcurrency(1)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = w.Stop(ctx) }()

	id, err := bus.Add(ctx, queue, job.HardRebootDroplet{DropletID: "d1", TenantID: "t1"}, jobbus.AddOptions{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var entries []struct{ ID string }
	for time.Now().Before(deadline) {
		dlq, err := bus.ListDLQ(ctx, queue, 10)
		if err != nil {
			t.Fatalf("list dlq: %v", err)
		}
		if len(dlq) > 0 {
			entries = make([]struct{ ID string }, len(dlq))
			for i, e := range dlq {
				entries[i].ID = e.JobID
			}
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected job %s to be dead-lettered after exhausting retries, got %v", id, entries)
	}
}
