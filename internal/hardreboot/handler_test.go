package hardreboot

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/fleetctl/controlplane/infrastructure/testutil"
	"github.com/fleetctl/controlplane/internal/cloudapi"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/job"
	memstore "github.com/fleetctl/controlplane/internal/storage/memory"
)

func newTestCloud(t *testing.T, handler http.HandlerFunc) *cloudapi.Client {
	t.Helper()
	server := testutil.NewHTTPTestServer(t, handler)
	t.Cleanup(server.Close)
	c, err := cloudapi.New(cloudapi.Config{BaseURL: server.URL, Token: "test-token"})
	if err != nil {
		t.Fatalf("cloudapi.New: %v", err)
	}
	return c
}

func TestHandleHardRebootDroplet_RecoversZombie(t *testing.T) {
	store := memstore.New()
	d, err := store.CreateDroplet(context.Background(), droplet.Droplet{
		TenantID: "t-1", CloudVMID: "vm-1", State: droplet.StateZombie,
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/vms/vm-1/power-cycle":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/vms/vm-1":
			json.NewEncoder(w).Encode(cloudapi.VM{ID: "vm-1", Status: "active"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	h := New(store, store, cloud, nil)
	j := &job.Job{Payload: job.HardRebootDroplet{DropletID: d.ID, TenantID: "t-1", Reason: job.RebootReasonZombieDetected}}

	if err := h.HandleHardRebootDroplet(context.Background(), j); err != nil {
		t.Fatalf("HandleHardRebootDroplet: %v", err)
	}

	got, err := store.GetDroplet(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDroplet: %v", err)
	}
	if got.State != droplet.StateActiveHealthy {
		t.Errorf("state = %s, want %s", got.State, droplet.StateActiveHealthy)
	}

	events, err := store.ListEvents(context.Background(), d.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 lifecycle events, got %d", len(events))
	}
	if events[0].ToState != string(droplet.StateActiveHealthy) || events[1].ToState != string(droplet.StateRebooting) {
		t.Errorf("unexpected event sequence: %+v", events)
	}
}

func TestHandleHardRebootDroplet_PowerCycleFailureOrphans(t *testing.T) {
	store := memstore.New()
	d, err := store.CreateDroplet(context.Background(), droplet.Droplet{
		TenantID: "t-1", CloudVMID: "vm-2", State: droplet.StateZombie,
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	h := New(store, store, cloud, nil)
	j := &job.Job{Payload: job.HardRebootDroplet{DropletID: d.ID, TenantID: "t-1", Reason: job.RebootReasonHeartbeatTimeout}}

	if err := h.HandleHardRebootDroplet(context.Background(), j); err != nil {
		t.Fatalf("HandleHardRebootDroplet: %v", err)
	}

	got, err := store.GetDroplet(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDroplet: %v", err)
	}
	if got.State != droplet.StateOrphan {
		t.Errorf("state = %s, want %s", got.State, droplet.StateOrphan)
	}
}

func TestHandleHardRebootDroplet_SkipsNonZombie(t *testing.T) {
	store := memstore.New()
	d, err := store.CreateDroplet(context.Background(), droplet.Droplet{
		TenantID: "t-1", CloudVMID: "vm-3", State: droplet.StateActiveHealthy,
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("cloud API should not be called for a non-zombie droplet")
	})

	h := New(store, store, cloud, nil)
	j := &job.Job{Payload: job.HardRebootDroplet{DropletID: d.ID, TenantID: "t-1", Reason: job.RebootReasonAdminRequest}}

	if err := h.HandleHardRebootDroplet(context.Background(), j); err != nil {
		t.Fatalf("HandleHardRebootDroplet: %v", err)
	}
}

func TestHandleHardRebootDroplet_WrongPayload(t *testing.T) {
	store := memstore.New()
	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {})
	h := New(store, store, cloud, nil)
	j := &job.Job{Payload: job.Ignition{}}

	if err := h.HandleHardRebootDroplet(context.Background(), j); err == nil {
		t.Fatal("expected an error for a mismatched payload type")
	}
}
