// Package fleetupdate implements spec.md §4.5's fleet update engine: wave
// partitioning, job emission, wave health gating, ledger recording, and
// the pause/resume/skip_to_100/abort/rollback operator actions. Grounded
// on internal/app/services/automation/scheduler.go's ticker-driven,
// sync.WaitGroup fan-out shape (here fanning out per wave instead of per
// tick) and on internal/domain/rollout's WaveStatus constants, themselves
// generalized from the teacher's gasbank dispatch-status enum.
package fleetupdate

import (
	"context"
	"sort"

	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
	"github.com/fleetctl/controlplane/internal/storage"
)

// PlanRequest describes what to roll out.
type PlanRequest struct {
	Component       string
	ToVersion       string
	Strategy        rollout.Strategy
	ExplicitTenants []string // optional: restrict to this set instead of the whole fleet
	Creator         string
	Priority        *int // overrides the queue's default job priority; used by Rollback to raise urgency
}

// rollbackPriority is the priority rollback-emitted jobs are raised to,
// per spec.md §4.5's "creates a reverse rollout with priority raised".
// Lower is higher priority (internal/domain/job.Job.Priority convention).
const rollbackPriority = 0

// Queue returns which job queue this component's updates are emitted to.
func (r PlanRequest) Queue() string {
	if r.Component == componentSidecar {
		return queueSidecarUpdate
	}
	return queueWorkflowUpdate
}

var tierRank = map[tenant.Tier]int{
	tenant.TierStandard:     0,
	tenant.TierHighPriority: 1,
	tenant.TierEnterprise:   2,
}

// eligibleTenants implements spec.md §4.5 step 1: every tenant whose
// droplet is neither hibernated nor in a terminal state. Tenants with no
// droplet yet (never provisioned) are excluded too — there's nothing to
// update.
func eligibleTenants(ctx context.Context, tenants storage.TenantStore, droplets storage.DropletStore, explicit []string) ([]tenant.Tenant, error) {
	var candidates []tenant.Tenant
	if len(explicit) > 0 {
		for _, id := range explicit {
			t, err := tenants.GetTenant(ctx, id)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, t)
		}
	} else {
		all, err := tenants.ListTenants(ctx)
		if err != nil {
			return nil, err
		}
		candidates = all
	}

	eligible := make([]tenant.Tenant, 0, len(candidates))
	for _, t := range candidates {
		d, err := droplets.GetDropletByTenant(ctx, t.ID)
		if err != nil {
			continue // no droplet for this tenant, nothing to update
		}
		if d.Terminal() || d.State == droplet.StateHibernating || d.State == droplet.StateHibernated {
			continue
		}
		eligible = append(eligible, t)
	}
	return eligible, nil
}

// partitionWaves implements spec.md §4.5 step 2: tier-weighted ordering
// (standard first, enterprise last, shielded until 100%) sliced into
// cumulative-percentage waves, each wave carrying only the increment over
// the prior cumulative boundary. fleet-sync (per the Open Question
// resolution in DESIGN.md) collapses this to one wave at 100% membership,
// still gated exactly once.
func partitionWaves(rolloutID string, tenants []tenant.Tenant, strategy rollout.Strategy) []rollout.Wave {
	ordered := make([]tenant.Tenant, len(tenants))
	copy(ordered, tenants)
	sort.SliceStable(ordered, func(i, j int) bool {
		return tierRank[ordered[i].Tier] < tierRank[ordered[j].Tier]
	})

	if strategy == rollout.StrategyFleetSync {
		members := make([]string, 0, len(ordered))
		for _, t := range ordered {
			members = append(members, t.ID)
		}
		return []rollout.Wave{{RolloutID: rolloutID, Number: 0, Membership: members, Status: rollout.WaveStatusPending}}
	}

	total := len(ordered)
	waves := make([]rollout.Wave, 0, len(rollout.CumulativeWaveSizes))
	prevCut := 0
	for i, pct := range rollout.CumulativeWaveSizes {
		cut := (total*pct + 99) / 100 // ceil
		if pct == 100 || cut > total {
			cut = total
		}
		members := make([]string, 0, cut-prevCut)
		for _, t := range ordered[prevCut:cut] {
			members = append(members, t.ID)
		}
		waves = append(waves, rollout.Wave{
			RolloutID:  rolloutID,
			Number:     i,
			Membership: members,
			Status:     rollout.WaveStatusPending,
		})
		prevCut = cut
	}
	return waves
}

func validateStrategy(s rollout.Strategy) error {
	switch s {
	case rollout.StrategyCanaryStaged, rollout.StrategyFleetSync:
		return nil
	default:
		return errs.New(errs.ValidationFailed, "fleetupdate: unknown strategy "+string(s))
	}
}
