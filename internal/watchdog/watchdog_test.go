package watchdog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/jobbus"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
	memstore "github.com/fleetctl/controlplane/internal/storage/memory"
)

func TestSweep_HealthyDropletsLeaveStateUnchanged(t *testing.T) {
	store := memstore.New()
	d, err := store.CreateDroplet(context.Background(), droplet.Droplet{
		TenantID: "t-1", State: droplet.StateActiveHealthy, LastHeartbeat: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	w := New(store, store, nil, Config{Interval: time.Second, HeartbeatTimeout: time.Minute}, nil)
	w.sweep(context.Background())

	got, err := store.GetDroplet(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDroplet: %v", err)
	}
	if got.State != droplet.StateActiveHealthy {
		t.Errorf("state = %s, want unchanged %s", got.State, droplet.StateActiveHealthy)
	}

	st := w.Status()
	if !st.LastRunAt.Equal(st.LastRunAt) || st.LastRunAt.IsZero() {
		t.Error("expected Status().LastRunAt to be set after a sweep")
	}
	if st.Degraded {
		t.Error("expected a clean sweep to not be degraded")
	}
}

func TestSweep_SkipsHibernatedDroplets(t *testing.T) {
	store := memstore.New()
	d, err := store.CreateDroplet(context.Background(), droplet.Droplet{
		TenantID: "t-1", State: droplet.StateHibernated,
		LastHeartbeat: time.Now().Add(-24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	w := New(store, store, nil, Config{HeartbeatTimeout: time.Minute}, nil)
	w.sweep(context.Background())

	got, err := store.GetDroplet(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDroplet: %v", err)
	}
	if got.State != droplet.StateHibernated {
		t.Errorf("state = %s, want hibernated droplets left untouched", got.State)
	}
}

func TestSweep_ListFailureRecordsError(t *testing.T) {
	w := New(failingDropletStore{}, memstore.New(), nil, Config{}, nil)
	w.sweep(context.Background())

	st := w.Status()
	if st.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", st.ErrorCount)
	}
	if st.LastError == "" {
		t.Error("expected LastError to be populated")
	}
}

func TestSweep_ZombieDetectionSchedulesReboot(t *testing.T) {
	addr := os.Getenv("JOBBUS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("JOBBUS_TEST_REDIS_ADDR not set, skipping Redis-backed watchdog test")
	}

	ctx := context.Background()
	kv, err := kvstore.Open(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("open redis: %v", err)
	}
	defer kv.Close()

	bus := jobbus.New(kv, []jobbus.QueueConfig{{Name: "reboot", MaxAttempts: 3}}, nil)

	store := memstore.New()
	d, err := store.CreateDroplet(ctx, droplet.Droplet{
		TenantID: "t-1", State: droplet.StateActiveHealthy,
		LastHeartbeat: time.Now().Add(-10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	w := New(store, store, bus, Config{HeartbeatTimeout: time.Minute}, nil)
	w.sweep(ctx)

	got, err := store.GetDroplet(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDroplet: %v", err)
	}
	if got.State != droplet.StateZombie {
		t.Errorf("state = %s, want %s", got.State, droplet.StateZombie)
	}

	events, err := store.ListEvents(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 || events[0].ToState != string(droplet.StateZombie) {
		t.Errorf("unexpected lifecycle events: %+v", events)
	}
}

type failingDropletStore struct{ memstore.Store }

func (failingDropletStore) ListAllDroplets(ctx context.Context) ([]droplet.Droplet, error) {
	return nil, errListFailed
}

var errListFailed = context.DeadlineExceeded
