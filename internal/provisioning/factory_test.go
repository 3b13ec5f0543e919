package provisioning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fleetctl/controlplane/infrastructure/ratelimit"
	"github.com/fleetctl/controlplane/infrastructure/resilience"
	"github.com/fleetctl/controlplane/internal/cloudapi"
	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/storage/memory"
	"github.com/fleetctl/controlplane/pkg/logger"
)

func newTestCloud(t *testing.T, handler http.HandlerFunc) *cloudapi.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := cloudapi.New(cloudapi.Config{
		BaseURL:   server.URL,
		RateLimit: ratelimit.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Retry:     resilience.RetryConfig{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatalf("cloudapi.New: %v", err)
	}
	return c
}

func seedAccount(t *testing.T, store *memory.Store, region string, cap, current int) account.Account {
	t.Helper()
	a, err := store.CreateAccount(context.Background(), account.Account{
		Region: region, Cap: cap, Current: current, Status: account.StatusActive,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return a
}

func TestProvision_Success(t *testing.T) {
	store := memory.New()
	seedAccount(t, store, "nyc1", 10, 2)

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(cloudapi.VM{ID: "vm-1", PublicIPv4: "203.0.113.5", Status: "active"})
	})

	f := New(store, store, store, cloud, logger.New(logger.LoggingConfig{Level: "error"}))

	d, err := f.Provision(context.Background(), Request{
		TenantID: "tenant-1", Slug: "acme", SizeTag: "s-1vcpu-1gb", Region: "nyc1", Requester: "operator",
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if d.State != droplet.StateInitializing {
		t.Errorf("state = %s, want INITIALIZING", d.State)
	}
	if d.PublicIPv4 != "203.0.113.5" {
		t.Errorf("public ipv4 = %s", d.PublicIPv4)
	}

	accts, _ := store.ListAccountsByRegion(context.Background(), "nyc1")
	if len(accts) != 1 || accts[0].Current != 3 {
		t.Errorf("account current = %+v, want 3", accts)
	}

	events, err := store.ListEvents(context.Background(), d.ID, 10)
	if err != nil || len(events) != 1 || events[0].ToState != string(droplet.StateInitializing) {
		t.Errorf("lifecycle events = %+v, err=%v", events, err)
	}
}

func TestProvision_NoCapacityFailsFast(t *testing.T) {
	store := memory.New()
	seedAccount(t, store, "nyc1", 5, 5)

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("cloud API should not be called when no account has capacity")
	})

	f := New(store, store, store, cloud, logger.New(logger.LoggingConfig{Level: "error"}))

	_, err := f.Provision(context.Background(), Request{TenantID: "tenant-1", Region: "nyc1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind, ok := errs.KindOf(err); !ok || kind != errs.NoCapacity {
		t.Errorf("kind = %v, want NO_CAPACITY", kind)
	}
}

func TestProvision_VMCreateFailureDecrementsAccount(t *testing.T) {
	store := memory.New()
	seedAccount(t, store, "nyc1", 10, 0)

	cloud := newTestCloud(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	f := New(store, store, store, cloud, logger.New(logger.LoggingConfig{Level: "error"}))

	_, err := f.Provision(context.Background(), Request{TenantID: "tenant-1", Region: "nyc1"})
	if err == nil {
		t.Fatal("expected error")
	}

	accts, _ := store.ListAccountsByRegion(context.Background(), "nyc1")
	if len(accts) != 1 || accts[0].Current != 0 {
		t.Errorf("account current = %+v, want rolled back to 0", accts)
	}
}
