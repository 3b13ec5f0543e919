package scalealerts

import (
	"context"
	"testing"

	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
	memstore "github.com/fleetctl/controlplane/internal/storage/memory"
)

func TestSample_RecordsLastRunAt(t *testing.T) {
	store := memstore.New()
	s := New(store, store, store, store, Config{Queues: []string{"reboot"}}, nil)

	s.sample(context.Background())

	st := s.Status()
	if st.LastRunAt.IsZero() {
		t.Error("expected LastRunAt to be set after sample()")
	}
	if st.ErrorCount != 0 {
		t.Errorf("ErrorCount = %d, want 0", st.ErrorCount)
	}
}

func TestSample_AccountAndDropletPopulation(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()

	if _, err := store.CreateTenant(ctx, tenant.Tenant{Slug: "acme"}); err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if _, err := store.CreateAccount(ctx, account.Account{ID: "acct-1", Region: "nyc1", Cap: 100, Current: 95}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.CreateDroplet(ctx, droplet.Droplet{TenantID: "t-1", State: droplet.StateActiveHealthy}); err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	s := New(store, store, store, store, Config{}, nil)
	s.sample(ctx)

	st := s.Status()
	if !st.LastRunAt.IsZero() && st.ErrorCount != 0 {
		t.Errorf("expected a clean sample, got ErrorCount=%d LastError=%q", st.ErrorCount, st.LastError)
	}
}

func TestSample_TenantListFailureRecordsError(t *testing.T) {
	s := New(failingTenantStore{}, memstore.New(), memstore.New(), memstore.New(), Config{}, nil)
	s.sample(context.Background())

	st := s.Status()
	if st.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", st.ErrorCount)
	}
	if st.LastError == "" {
		t.Error("expected LastError to be populated")
	}
}

type failingTenantStore struct{ memstore.Store }

func (failingTenantStore) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	return nil, context.DeadlineExceeded
}
