package fleetupdate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
	"github.com/fleetctl/controlplane/internal/jobbus"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

const (
	componentSidecar    = "sidecar"
	queueWorkflowUpdate = "workflow-update"
	queueSidecarUpdate  = "sidecar-update"

	defaultPromotionCheckInterval = 5 * time.Second
	errorRateSampleSize           = 200
)

var _ system.Service = (*Engine)(nil)

// Engine coordinates fleet-wide version rollouts: planning, wave
// emission, health-gated promotion, and the operator action surface.
type Engine struct {
	tenants  storage.TenantStore
	droplets storage.DropletStore
	rollouts storage.RolloutStore
	ledger   storage.LedgerStore
	jobs     storage.JobStore
	bus      *jobbus.Bus
	log      *logger.Logger

	checkInterval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	tracer  core.Tracer
}

// New builds an Engine.
func New(tenants storage.TenantStore, droplets storage.DropletStore, rollouts storage.RolloutStore, ledger storage.LedgerStore, jobs storage.JobStore, bus *jobbus.Bus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("fleetupdate")
	}
	return &Engine{
		tenants: tenants, droplets: droplets, rollouts: rollouts, ledger: ledger, jobs: jobs, bus: bus, log: log,
		checkInterval: defaultPromotionCheckInterval, tracer: core.NoopTracer,
	}
}

func (e *Engine) Name() string { return "fleetupdate" }

func (e *Engine) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         e.Name(),
		Domain:       "fleet-update",
		Layer:        core.LayerEngine,
		Capabilities: []string{"plan", "wave-emit", "health-gate", "ledger"},
	}
}

func (e *Engine) WithTracer(tracer core.Tracer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tracer == nil {
		tracer = core.NoopTracer
	}
	e.tracer = tracer
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(runCtx)
	e.log.Info("fleet update engine started")
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.log.Info("fleet update engine stopped")
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick mirrors automation/scheduler.go's tick shape: list active work,
// fan out concurrently, wait for the fan-out before the next cycle.
func (e *Engine) tick(ctx context.Context) {
	active, err := e.rollouts.ListRollouts(ctx, rollout.StatusActive)
	if err != nil {
		e.log.WithError(err).Warn("fleetupdate: list active rollouts failed")
		return
	}

	var wg sync.WaitGroup
	for _, r := range active {
		wg.Add(1)
		go func(r rollout.Rollout) {
			defer wg.Done()
			if err := e.evaluateActiveWave(ctx, r); err != nil {
				e.log.WithError(err).WithField("rollout_id", r.ID).Warn("fleetupdate: wave evaluation failed")
			}
		}(r)
	}
	wg.Wait()
}

// Plan implements spec.md §4.5 steps 1-3: snapshot eligible tenants,
// partition into waves, create the rollout and wave records, and emit the
// first wave immediately rather than waiting for the next tick.
func (e *Engine) Plan(ctx context.Context, req PlanRequest) (rollout.Rollout, error) {
	if err := validateStrategy(req.Strategy); err != nil {
		return rollout.Rollout{}, err
	}
	if req.Component == "" || req.ToVersion == "" {
		return rollout.Rollout{}, errs.New(errs.ValidationFailed, "fleetupdate: component and to-version required")
	}

	tenants, err := eligibleTenants(ctx, e.tenants, e.droplets, req.ExplicitTenants)
	if err != nil {
		return rollout.Rollout{}, errs.Wrap(errs.DegradedDependency, "fleetupdate: list eligible tenants", err)
	}
	if len(tenants) == 0 {
		return rollout.Rollout{}, errs.New(errs.ValidationFailed, "fleetupdate: no eligible tenants")
	}

	r := rollout.Rollout{
		ID:           uuid.NewString(),
		Component:    req.Component,
		ToVersion:    req.ToVersion,
		Strategy:     req.Strategy,
		Status:       rollout.StatusActive,
		TotalTenants: len(tenants),
		Creator:      req.Creator,
		CreatedAt:    time.Now().UTC(),
	}
	r, err = e.rollouts.CreateRollout(ctx, r)
	if err != nil {
		return rollout.Rollout{}, errs.Wrap(errs.DegradedDependency, "fleetupdate: create rollout", err)
	}

	waves := partitionWaves(r.ID, tenants, req.Strategy)
	for i, w := range waves {
		if _, err := e.rollouts.CreateWave(ctx, w); err != nil {
			return rollout.Rollout{}, errs.Wrap(errs.DegradedDependency, "fleetupdate: create wave", err)
		}
		if i == 0 {
			if err := e.emitWave(ctx, r, waves[0], req.Priority); err != nil {
				return rollout.Rollout{}, err
			}
		}
	}
	return r, nil
}

// emitWave implements spec.md §4.5 step 3: emit one update job per
// tenant in the wave, tagged with rollout_id/wave_number, then mark the
// wave active. priority, when non-nil, overrides the queue's default job
// priority (used by Rollback to raise urgency).
func (e *Engine) emitWave(ctx context.Context, r rollout.Rollout, w rollout.Wave, priority *int) error {
	queue := queueWorkflowUpdate
	if r.Component == componentSidecar {
		queue = queueSidecarUpdate
	}

	for _, tenantID := range w.Membership {
		fromVersion, err := e.ledger.CurrentVersion(ctx, tenantID, r.Component)
		if err != nil {
			e.log.WithError(err).WithField("tenant_id", tenantID).Warn("fleetupdate: current version lookup failed, continuing with empty from-version")
		}

		var payload job.Payload
		if r.Component == componentSidecar {
			d, derr := e.droplets.GetDropletByTenant(ctx, tenantID)
			if derr != nil {
				e.log.WithError(derr).WithField("tenant_id", tenantID).Warn("fleetupdate: no droplet for tenant, skipping")
				continue
			}
			payload = job.SidecarUpdate{
				TenantID: tenantID, DropletID: d.ID, FromVersion: fromVersion, ToVersion: r.ToVersion,
				RolloutID: r.ID, WaveNumber: w.Number,
			}
		} else {
			payload = job.WorkflowUpdate{
				TenantID: tenantID, WorkflowName: r.Component, Version: r.ToVersion,
				RolloutID: r.ID, WaveNumber: w.Number,
			}
		}

		if _, err := e.bus.Add(ctx, queue, payload, jobbus.AddOptions{RolloutID: r.ID, WaveNumber: w.Number, Priority: priority}); err != nil {
			return errs.Wrap(errs.DegradedDependency, "fleetupdate: emit wave job", err).WithContext("tenant_id", tenantID)
		}
	}

	w.Status = rollout.WaveStatusActive
	w.StartedAt = time.Now().UTC()
	_, err := e.rollouts.UpdateWave(ctx, w)
	return err
}

// evaluateActiveWave implements spec.md §4.5 steps 4-6: once every job in
// the active wave has reached a terminal state, evaluate the promotion
// gate and either promote, pause, or complete the rollout.
func (e *Engine) evaluateActiveWave(ctx context.Context, r rollout.Rollout) error {
	waves, err := e.rollouts.ListWaves(ctx, r.ID)
	if err != nil {
		return err
	}
	var active *rollout.Wave
	for i := range waves {
		if waves[i].Status == rollout.WaveStatusActive {
			active = &waves[i]
			break
		}
	}
	if active == nil {
		return nil // nothing in flight; paused/awaiting operator action
	}

	total, failed, err := e.jobs.WaveOutcome(ctx, r.ID, active.Number)
	if err != nil {
		return err
	}
	if total < len(active.Membership) {
		return nil // wave still in flight
	}

	errorRate := rollout.ErrorRate(failed, total)
	controlPlaneRate, err := e.controlPlaneErrorRate(ctx)
	if err != nil {
		e.log.WithError(err).Warn("fleetupdate: control-plane error rate unavailable, treating as healthy")
	}

	if err := e.recordLedgerEntries(ctx, r, *active); err != nil {
		e.log.WithError(err).WithField("rollout_id", r.ID).Warn("fleetupdate: ledger recording failed")
	}

	if errorRate >= rollout.PromotionGate || controlPlaneRate >= rollout.ControlPlaneErrorRateCeiling {
		active.Status = rollout.WaveStatusFailed
		active.ErrorRate = errorRate
		active.CompletedAt = time.Now().UTC()
		if _, uerr := e.rollouts.UpdateWave(ctx, *active); uerr != nil {
			return uerr
		}
		_, err := e.rollouts.UpdateRolloutStatus(ctx, r.ID, rollout.StatusPaused)
		if err == nil {
			e.log.WithField("rollout_id", r.ID).WithField("wave", active.Number).WithField("error_rate", errorRate).
				Warn("fleetupdate: wave failed health gate, rollout paused")
		}
		return err
	}

	active.Status = rollout.WaveStatusCompleted
	active.ErrorRate = errorRate
	active.CompletedAt = time.Now().UTC()
	if _, err := e.rollouts.UpdateWave(ctx, *active); err != nil {
		return err
	}

	next := active.Number + 1
	nextWave, err := e.rollouts.GetWave(ctx, r.ID, next)
	if err == storage.ErrNotFound {
		// No wave `next`: this was the final wave. Mark the rollout complete.
		_, err := e.rollouts.UpdateRolloutStatus(ctx, r.ID, rollout.StatusComplete)
		return err
	}
	if err != nil {
		return err
	}
	return e.emitWave(ctx, r, nextWave, nil)
}

func (e *Engine) recordLedgerEntries(ctx context.Context, r rollout.Rollout, w rollout.Wave) error {
	succeeded, err := e.jobs.SucceededTenants(ctx, r.ID, w.Number)
	if err != nil {
		return err
	}
	for _, tenantID := range succeeded {
		fromVersion, _ := e.ledger.CurrentVersion(ctx, tenantID, r.Component)
		_, err := e.ledger.AppendLedgerEntry(ctx, rollout.LedgerEntry{
			ID: uuid.NewString(), TenantID: tenantID, Component: r.Component,
			FromVersion: fromVersion, ToVersion: r.ToVersion, RolloutID: r.ID, CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// controlPlaneErrorRate samples recent terminal outcomes across both
// update queues to approximate spec §4.5 step 5's control-plane-wide
// error rate ceiling.
func (e *Engine) controlPlaneErrorRate(ctx context.Context) (float64, error) {
	total, failed := 0, 0
	for _, q := range []string{queueWorkflowUpdate, queueSidecarUpdate} {
		recs, err := e.jobs.ListRecent(ctx, q, errorRateSampleSize)
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			total++
			if rec.Status == string(job.StatusDeadLetter) {
				failed++
			}
		}
	}
	return rollout.ErrorRate(failed, total), nil
}
