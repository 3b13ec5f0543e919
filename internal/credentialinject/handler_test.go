package credentialinject

import (
	"context"
	"testing"

	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/job"
	memstore "github.com/fleetctl/controlplane/internal/storage/memory"
)

func TestHandleCredentialInject_WrongPayload(t *testing.T) {
	store := memstore.New()
	h := New(store, store, nil)
	j := &job.Job{Payload: job.Ignition{}}

	if err := h.HandleCredentialInject(context.Background(), j); err == nil {
		t.Fatal("expected an error for a mismatched payload type")
	}
}

func TestHandleCredentialInject_DropletLookupFailure(t *testing.T) {
	store := memstore.New()
	h := New(store, store, nil)
	j := &job.Job{Payload: job.CredentialInject{
		TenantID: "t-1", DropletID: "does-not-exist",
		Credentials: []job.Credential{{Type: "db_password", EncryptedBlob: []byte("blob")}},
	}}

	if err := h.HandleCredentialInject(context.Background(), j); err == nil {
		t.Fatal("expected an error when the droplet does not exist")
	}
}

func TestHandleCredentialInject_SidecarUnreachable(t *testing.T) {
	store := memstore.New()
	d, err := store.CreateDroplet(context.Background(), droplet.Droplet{
		TenantID: "t-1", PublicDNS: "127.0.0.1:1", State: droplet.StateActiveHealthy,
	})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	h := New(store, store, nil)
	j := &job.Job{Payload: job.CredentialInject{
		TenantID: "t-1", DropletID: d.ID,
		Credentials: []job.Credential{{Type: "db_password", EncryptedBlob: []byte("blob")}},
	}}

	if err := h.HandleCredentialInject(context.Background(), j); err == nil {
		t.Fatal("expected a sidecar-unreachable error against an unroutable host")
	}

	updates, err := store.ListUpdates(context.Background(), d.ID, 10)
	if err != nil {
		t.Fatalf("ListUpdates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected no credential_updates entry to be recorded on failure, got %d", len(updates))
	}
}
