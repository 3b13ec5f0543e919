// Package storage defines the control plane's persisted-state contracts
// (spec §6.7): one Go interface per aggregate, each context-first,
// following the teacher's internal/app/storage/interfaces.go convention.
// internal/storage/postgres and internal/storage/memory both satisfy
// every interface declared here.
package storage

import (
	"context"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/credential"
	"github.com/fleetctl/controlplane/internal/domain/dlq"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/heartbeat"
	"github.com/fleetctl/controlplane/internal/domain/hibernation"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
	"github.com/fleetctl/controlplane/internal/domain/template"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
)

// TenantStore persists tenant workspace records. Tenants are never
// deleted by the control plane (see internal/domain/tenant), so there is
// no DeleteTenant.
type TenantStore interface {
	CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error)
	GetTenant(ctx context.Context, id string) (tenant.Tenant, error)
	ListTenants(ctx context.Context) ([]tenant.Tenant, error)
}

// AccountStore persists the cloud-provider sub-account pool.
// IncrementCurrent/DecrementCurrent are the stored-procedure-style entry
// points spec §6.7 calls for: they atomically mutate Current and flip
// Status across account.Account.FullThreshold in the same step, so no
// caller can observe Current above Cap's 95% line with Status still
// Active.
type AccountStore interface {
	CreateAccount(ctx context.Context, a account.Account) (account.Account, error)
	GetAccount(ctx context.Context, id string) (account.Account, error)
	ListAccounts(ctx context.Context) ([]account.Account, error)
	ListAccountsByRegion(ctx context.Context, region string) ([]account.Account, error)
	IncrementCurrent(ctx context.Context, id string) (account.Account, error)
	DecrementCurrent(ctx context.Context, id string) (account.Account, error)
	SetAccountStatus(ctx context.Context, id string, status account.Status) (account.Account, error)

	AppendCostLedger(ctx context.Context, e account.CostLedgerEntry) (account.CostLedgerEntry, error)
	ListCostLedger(ctx context.Context, tenantID string) ([]account.CostLedgerEntry, error)
}

// DropletStore persists per-tenant VM records and their lifecycle state.
// TransitionState is the stored-procedure-style entry point for a state
// change; callers MUST have already journalled the transition via
// LifecycleStore.AppendEvent before calling it (P4: journal before
// externally-visible effect).
type DropletStore interface {
	CreateDroplet(ctx context.Context, d droplet.Droplet) (droplet.Droplet, error)
	GetDroplet(ctx context.Context, id string) (droplet.Droplet, error)
	GetDropletByTenant(ctx context.Context, tenantID string) (droplet.Droplet, error)
	ListDropletsByState(ctx context.Context, state droplet.State) ([]droplet.Droplet, error)
	ListAllDroplets(ctx context.Context) ([]droplet.Droplet, error)
	TransitionState(ctx context.Context, id string, newState droplet.State) (droplet.Droplet, error)
	UpdateHealth(ctx context.Context, id string, hb heartbeat.Heartbeat) (droplet.Droplet, error)
	UpdateVersions(ctx context.Context, id string, credentialVersion, sidecarVersion, workflowVersion string) (droplet.Droplet, error)
	DeleteDroplet(ctx context.Context, id string) error
}

// LifecycleStore persists the append-only droplet lifecycle journal.
type LifecycleStore interface {
	AppendEvent(ctx context.Context, e lifecycle.Event) (lifecycle.Event, error)
	ListEvents(ctx context.Context, dropletID string, limit int) ([]lifecycle.Event, error)
}

// CredentialStore persists the append-only credential_updates ledger
// (spec.md §4.5: "record an immutable credential_updates entry").
type CredentialStore interface {
	AppendUpdate(ctx context.Context, r credential.UpdateRecord) (credential.UpdateRecord, error)
	ListUpdates(ctx context.Context, dropletID string, limit int) ([]credential.UpdateRecord, error)
}

// TemplateStore persists declared workflow template versions.
type TemplateStore interface {
	PutTemplate(ctx context.Context, t template.Template) (template.Template, error)
	GetTemplate(ctx context.Context, name, version string) (template.Template, error)
	GetLatestTemplate(ctx context.Context, name string) (template.Template, error)
	ListTemplateVersions(ctx context.Context, name string) ([]template.Template, error)
}

// RolloutStore persists rollouts and their waves.
type RolloutStore interface {
	CreateRollout(ctx context.Context, r rollout.Rollout) (rollout.Rollout, error)
	UpdateRolloutStatus(ctx context.Context, id string, status rollout.Status) (rollout.Rollout, error)
	GetRollout(ctx context.Context, id string) (rollout.Rollout, error)
	ListRollouts(ctx context.Context, status rollout.Status) ([]rollout.Rollout, error)

	CreateWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error)
	UpdateWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error)
	GetWave(ctx context.Context, rolloutID string, number int) (rollout.Wave, error)
	ListWaves(ctx context.Context, rolloutID string) ([]rollout.Wave, error)
}

// LedgerStore persists the append-only version ledger and the derived
// tenant_versions "current version per component" wide row spec §6.7
// names separately from the ledger itself.
type LedgerStore interface {
	AppendLedgerEntry(ctx context.Context, e rollout.LedgerEntry) (rollout.LedgerEntry, error)
	CurrentVersion(ctx context.Context, tenantID, component string) (string, error)
	ListLedgerEntries(ctx context.Context, tenantID, component string) ([]rollout.LedgerEntry, error)
}

// JobRecord is a job's archived terminal outcome: operator-facing
// history that outlives the job bus's own Redis working set.
type JobRecord struct {
	JobID      string
	Queue      string
	Kind       string
	Status     string // "completed" or "dead_letter"
	Attempts   int
	FinishedAt time.Time
	Error      string
	RolloutID  string
	WaveNumber int
	TenantID   string
}

// JobStore archives terminal job outcomes for operator queries (job
// history, per-tenant audit) once a job leaves the live bus.
type JobStore interface {
	RecordTerminal(ctx context.Context, rec JobRecord) error
	ListRecent(ctx context.Context, queue string, limit int) ([]JobRecord, error)

	// WaveOutcome reports the terminal tally for one rollout wave, so the
	// fleet update engine can evaluate its promotion gate (spec §4.5 step
	// 5) without tracking per-job completion itself.
	WaveOutcome(ctx context.Context, rolloutID string, wave int) (total, failed int, err error)

	// SucceededTenants reports which tenants completed successfully in one
	// rollout wave, so the engine can append a version ledger entry per
	// tenant (spec §4.5 step 6) instead of the whole wave at once.
	SucceededTenants(ctx context.Context, rolloutID string, wave int) ([]string, error)
}

// DLQStore archives dead-lettered jobs durably, independent of the job
// bus's own Redis DLQ retention window.
type DLQStore interface {
	Archive(ctx context.Context, e dlq.Entry) error
	ListArchived(ctx context.Context, queue string, limit int) ([]dlq.Entry, error)
}

// HibernationStore persists the wake schedule the hibernation controller
// commits to: both staggered-batch wakes and predictive pre-warms.
// Grounded on internal/app/services/gasbank/settlement.go's
// ListPendingWithdrawals due-item poll, generalized to a caller-supplied
// time horizon (ListDueWakeSchedules) instead of an unconditional "all
// pending" scan.
type HibernationStore interface {
	CreateWakeSchedule(ctx context.Context, s hibernation.WakeSchedule) (hibernation.WakeSchedule, error)
	ListDueWakeSchedules(ctx context.Context, before time.Time, limit int) ([]hibernation.WakeSchedule, error)
	MarkWakeScheduleDone(ctx context.Context, id string) error
}
