package fleetupdate

import (
	"context"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
)

// Pause implements spec.md §4.5's pause(rolloutID): stop emitting future
// waves. In-flight jobs continue, but tick's ListRollouts(StatusActive)
// scan skips a paused rollout, so its active wave is neither
// gate-evaluated nor followed by a further wave until Resume.
func (e *Engine) Pause(ctx context.Context, rolloutID string) (rollout.Rollout, error) {
	return e.rollouts.UpdateRolloutStatus(ctx, rolloutID, rollout.StatusPaused)
}

// Resume implements spec.md §4.5's resume(rolloutID): continue from the
// next pending wave. If a wave is still marked active (the operator
// paused mid-wave), resuming just makes the rollout active again and the
// tick loop picks the in-flight wave back up; otherwise the next pending
// wave is emitted immediately.
func (e *Engine) Resume(ctx context.Context, rolloutID string) (rollout.Rollout, error) {
	r, err := e.rollouts.UpdateRolloutStatus(ctx, rolloutID, rollout.StatusActive)
	if err != nil {
		return rollout.Rollout{}, err
	}

	waves, err := e.rollouts.ListWaves(ctx, rolloutID)
	if err != nil {
		return r, err
	}
	for _, w := range waves {
		if w.Status == rollout.WaveStatusActive {
			return r, nil // tick loop will evaluate it
		}
	}
	for _, w := range waves {
		if w.Status == rollout.WaveStatusPending {
			return r, e.emitWave(ctx, r, w, nil)
		}
	}
	return r, nil
}

// SkipTo100 implements spec.md §4.5's skip_to_100(rolloutID): emit every
// remaining (not-yet-completed) tenant as a single final wave, recording
// reason "skip". Remaining pending waves are superseded, not emitted.
func (e *Engine) SkipTo100(ctx context.Context, rolloutID string) (rollout.Rollout, error) {
	r, err := e.rollouts.GetRollout(ctx, rolloutID)
	if err != nil {
		return rollout.Rollout{}, err
	}
	waves, err := e.rollouts.ListWaves(ctx, rolloutID)
	if err != nil {
		return rollout.Rollout{}, err
	}

	done := make(map[string]bool)
	maxNumber := -1
	for _, w := range waves {
		if w.Number > maxNumber {
			maxNumber = w.Number
		}
		if w.Status == rollout.WaveStatusCompleted {
			for _, t := range w.Membership {
				done[t] = true
			}
		}
	}

	var remaining []string
	for _, w := range waves {
		for _, t := range w.Membership {
			if !done[t] {
				remaining = append(remaining, t)
			}
		}
	}
	remaining = dedupe(remaining)

	finalWave := rollout.Wave{
		RolloutID:  rolloutID,
		Number:     maxNumber + 1,
		Membership: remaining,
		Status:     rollout.WaveStatusPending,
	}
	if _, err := e.rollouts.CreateWave(ctx, finalWave); err != nil {
		return rollout.Rollout{}, err
	}

	r, err = e.rollouts.UpdateRolloutStatus(ctx, rolloutID, rollout.StatusActive)
	if err != nil {
		return rollout.Rollout{}, err
	}
	e.log.WithField("rollout_id", rolloutID).WithField("reason", "skip").Info("fleetupdate: skip_to_100 issued")
	return r, e.emitWave(ctx, r, finalWave, nil)
}

func dedupe(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Abort implements spec.md §4.5's abort(rolloutID, reason): cancel
// pending waves (they are simply never emitted, since the tick loop only
// considers StatusActive rollouts) and mark the rollout aborted.
// In-flight jobs are not preempted (§5's "non-preemptive" note).
func (e *Engine) Abort(ctx context.Context, rolloutID, reason string) (rollout.Rollout, error) {
	r, err := e.rollouts.UpdateRolloutStatus(ctx, rolloutID, rollout.StatusAborted)
	if err != nil {
		return rollout.Rollout{}, err
	}
	e.log.WithField("rollout_id", rolloutID).WithField("reason", reason).Warn("fleetupdate: rollout aborted")
	return r, nil
}

// RollbackScope selects which tenants a rollback targets.
type RollbackScope string

const (
	RollbackScopeAll           RollbackScope = "all"
	RollbackScopeAffectedOnly  RollbackScope = "affected_only"
	RollbackScopeSingleTenant  RollbackScope = "single_tenant"
)

// Rollback implements spec.md §4.5's rollback(component, to_version,
// scope): it aborts any active rollout for the same component first,
// then plans a new reverse rollout as fleet-sync (immediate, one wave)
// so the revert isn't itself subject to canary staging. Per P10, each
// tenant's job carries its own current ledger version as from-version —
// emitWave already reads that per tenant, never the aborted rollout's
// to-version.
func (e *Engine) Rollback(ctx context.Context, component, toVersion string, scope RollbackScope, singleTenant string) (rollout.Rollout, error) {
	active, err := e.rollouts.ListRollouts(ctx, rollout.StatusActive)
	if err != nil {
		return rollout.Rollout{}, err
	}
	for _, r := range active {
		if r.Component == component {
			if _, err := e.Abort(ctx, r.ID, "superseded_by_rollback"); err != nil {
				return rollout.Rollout{}, err
			}
		}
	}

	raisedPriority := rollbackPriority
	req := PlanRequest{
		Component: component, ToVersion: toVersion, Strategy: rollout.StrategyFleetSync,
		Creator: "rollback", Priority: &raisedPriority,
	}
	switch scope {
	case RollbackScopeSingleTenant:
		if singleTenant == "" {
			return rollout.Rollout{}, errs.New(errs.ValidationFailed, "fleetupdate: single_tenant rollback requires a tenant ID")
		}
		req.ExplicitTenants = []string{singleTenant}
	case RollbackScopeAffectedOnly:
		tenants, err := e.tenants.ListTenants(ctx)
		if err != nil {
			return rollout.Rollout{}, err
		}
		var affected []string
		for _, t := range tenants {
			current, err := e.ledger.CurrentVersion(ctx, t.ID, component)
			if err == nil && current != "" && current != toVersion {
				affected = append(affected, t.ID)
			}
		}
		req.ExplicitTenants = affected
	case RollbackScopeAll:
		// leave ExplicitTenants empty: Plan snapshots the whole eligible fleet
	default:
		return rollout.Rollout{}, errs.New(errs.ValidationFailed, "fleetupdate: unknown rollback scope "+string(scope))
	}

	return e.Plan(ctx, req)
}
