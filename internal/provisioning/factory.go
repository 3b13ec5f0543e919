// Package provisioning implements spec.md §4.4's provisioning factory:
// account selection, secret generation, cloud-init rendering, VM
// creation, journalling, and compensating rollback on any failure after
// account selection. Grounded on infrastructure/transaction.Transaction
// for the compensating-transaction shape and internal/chain/client.go's
// typed-client convention for the cloud API call itself.
package provisioning

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/infrastructure/crypto"
	"github.com/fleetctl/controlplane/infrastructure/transaction"
	"github.com/fleetctl/controlplane/internal/cloudapi"
	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/pkg/logger"
	"github.com/fleetctl/controlplane/internal/storage"
)

const (
	provisioningTokenBytes = 32
	dbPasswordBytes        = 24
	engineKeyBytes         = 32
)

// Request is what the ignition handler asks the factory to do.
type Request struct {
	TenantID  string
	Slug      string
	SizeTag   string
	Region    string
	Requester string
}

// Factory provisions new droplets against a pool of cloud accounts.
type Factory struct {
	accounts  storage.AccountStore
	droplets  storage.DropletStore
	lifecycle storage.LifecycleStore
	cloud     *cloudapi.Client
	log       *logger.Logger
}

// New builds a Factory.
func New(accounts storage.AccountStore, droplets storage.DropletStore, lifecycle storage.LifecycleStore, cloud *cloudapi.Client, log *logger.Logger) *Factory {
	return &Factory{accounts: accounts, droplets: droplets, lifecycle: lifecycle, cloud: cloud, log: log}
}

// Provision runs spec.md §4.4's algorithm end to end. On success it
// returns the newly created, persisted droplet in state INITIALIZING.
func (f *Factory) Provision(ctx context.Context, req Request) (droplet.Droplet, error) {
	acct, err := f.selectAccount(ctx, req.Region)
	if err != nil {
		return droplet.Droplet{}, err
	}

	dropletID := uuid.NewString()
	var createdVMID string

	tx := transaction.NewTransaction()

	tx.AddStep("increment-account", func(ctx context.Context) error {
		_, err := f.accounts.IncrementCurrent(ctx, acct.ID)
		return err
	}, func(ctx context.Context) error {
		_, err := f.accounts.DecrementCurrent(ctx, acct.ID)
		return err
	})

	var secrets Secrets
	var cloudInit string
	tx.AddStep("generate-secrets-and-template", func(ctx context.Context) error {
		s, err := generateSecrets()
		if err != nil {
			return err
		}
		secrets = s
		cloudInit = RenderCloudInit(req.TenantID, req.Slug, req.Region, secrets)
		return nil
	}, nil)

	var vm cloudapi.VM
	tx.AddStep("create-vm", func(ctx context.Context) error {
		v, err := f.cloud.CreateVM(ctx, cloudapi.VMConfig{
			TenantID:  req.TenantID,
			Region:    req.Region,
			SizeTag:   req.SizeTag,
			Slug:      req.Slug,
			CloudInit: cloudInit,
			AccountID: acct.ID,
		})
		if err != nil {
			return err
		}
		vm = v
		createdVMID = v.ID
		return nil
	}, func(ctx context.Context) error {
		if createdVMID == "" {
			return nil
		}
		return f.cloud.DeleteVM(ctx, createdVMID)
	})

	if err := tx.Execute(ctx); err != nil {
		return droplet.Droplet{}, errs.Wrap(errs.ProvisioningFailed, "provisioning: account/vm setup", err).
			WithContext("tenant_id", req.TenantID)
	}

	d, err := f.journal(ctx, dropletID, acct.ID, vm, req)
	if err != nil {
		f.compensate(ctx, acct.ID, createdVMID, dropletID, req.TenantID)
		return droplet.Droplet{}, errs.Wrap(errs.ProvisioningFailed, "provisioning: journal droplet", err).
			WithContext("tenant_id", req.TenantID)
	}
	return d, nil
}

// journal and compensate are kept as distinct steps from the tx above
// (rather than one more transaction.Step) because the spec's
// compensation for this step — marking the droplet ORPHAN — must run
// even when the droplet row itself was never created (AppendEvent
// succeeded, CreateDroplet failed), which transaction.Transaction's
// executed-steps bookkeeping can't express for a step that fails itself.

// selectAccount implements spec.md §4.4 step 1: the active account in
// the target region with the greatest spare capacity, tie-broken by
// oldest creation.
func (f *Factory) selectAccount(ctx context.Context, region string) (account.Account, error) {
	candidates, err := f.accounts.ListAccountsByRegion(ctx, region)
	if err != nil {
		return account.Account{}, errs.Wrap(errs.DegradedDependency, "provisioning: list accounts", err)
	}

	var best account.Account
	found := false
	for _, a := range candidates {
		if a.Status != account.StatusActive {
			continue
		}
		spare := a.Cap - a.Current
		if spare <= 0 {
			continue
		}
		if !found {
			best, found = a, true
			continue
		}
		bestSpare := best.Cap - best.Current
		if spare > bestSpare || (spare == bestSpare && a.CreatedAt.Before(best.CreatedAt)) {
			best = a
		}
	}
	if !found {
		return account.Account{}, errs.New(errs.NoCapacity, "provisioning: no account with spare capacity in region "+region).
			WithContext("region", region)
	}
	return best, nil
}

func generateSecrets() (Secrets, error) {
	token, err := crypto.RandomBase64URL(provisioningTokenBytes)
	if err != nil {
		return Secrets{}, errs.Wrap(errs.ValidationFailed, "provisioning: generate provisioning token", err)
	}
	dbPassword, err := crypto.RandomBase64URL(dbPasswordBytes)
	if err != nil {
		return Secrets{}, errs.Wrap(errs.ValidationFailed, "provisioning: generate db password", err)
	}
	engineKey, err := crypto.RandomHex(engineKeyBytes)
	if err != nil {
		return Secrets{}, errs.Wrap(errs.ValidationFailed, "provisioning: generate engine key", err)
	}
	return Secrets{ProvisioningToken: token, DBPassword: dbPassword, EngineKey: engineKey}, nil
}

// journal implements spec.md §4.4 step 5: journal the INITIALIZING
// transition before the droplet row becomes visible to any other reader
// (P4).
func (f *Factory) journal(ctx context.Context, dropletID, accountID string, vm cloudapi.VM, req Request) (droplet.Droplet, error) {
	_, err := f.lifecycle.AppendEvent(ctx, lifecycle.Event{
		ID:        uuid.NewString(),
		DropletID: dropletID,
		FromState: "",
		ToState:   string(droplet.StateInitializing),
		Reason:    "provisioned",
		Actor:     req.Requester,
		Metadata: map[string]string{
			"tenant_id": req.TenantID,
			"region":    req.Region,
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return droplet.Droplet{}, err
	}

	return f.droplets.CreateDroplet(ctx, droplet.Droplet{
		ID:         dropletID,
		TenantID:   req.TenantID,
		AccountID:  accountID,
		CloudVMID:  vm.ID,
		Region:     req.Region,
		SizeTag:    req.SizeTag,
		PublicIPv4: vm.PublicIPv4,
		PublicDNS:  droplet.DerivePublicDNS(vm.PublicIPv4),
		State:      droplet.StateInitializing,
	})
}

// compensate implements spec.md §4.4 step 6: cloud-delete the VM if
// created, decrement the account, and mark the droplet ORPHAN in the
// ledger. Errors here are logged but never returned — they must not mask
// the original failure that triggered rollback.
func (f *Factory) compensate(ctx context.Context, accountID, vmID, dropletID, tenantID string) {
	fields := map[string]interface{}{"tenant_id": tenantID, "droplet_id": dropletID}

	if vmID != "" {
		if err := f.cloud.DeleteVM(ctx, vmID); err != nil {
			f.log.WithError(err).WithFields(fields).WithField("vm_id", vmID).Warn("provisioning: rollback cloud-delete failed")
		}
	}
	if _, err := f.accounts.DecrementCurrent(ctx, accountID); err != nil {
		f.log.WithError(err).WithFields(fields).WithField("account_id", accountID).Warn("provisioning: rollback decrement failed")
	}
	if _, err := f.lifecycle.AppendEvent(ctx, lifecycle.Event{
		ID:         uuid.NewString(),
		DropletID:  dropletID,
		FromState:  string(droplet.StateInitializing),
		ToState:    string(droplet.StateOrphan),
		Reason:     "provisioning_failed",
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		f.log.WithError(err).WithFields(fields).Warn("provisioning: rollback journal failed")
	}
}
