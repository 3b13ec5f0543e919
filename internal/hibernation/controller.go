package hibernation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/cloudapi"
	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/hibernation"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
	"github.com/fleetctl/controlplane/internal/sidecar"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

var _ system.Service = (*Controller)(nil)

const defaultSweepInterval = 5 * time.Minute

// Config tunes the controller's sweep cadence and eligibility/wake
// thresholds; zero values fall back to spec.md §4.6/§6.1 defaults.
type Config struct {
	SweepInterval time.Duration
	Thresholds    Thresholds
}

// Controller implements spec.md §4.6: it periodically sweeps active
// droplets for hibernation eligibility, drains due wake schedules, and
// serves the hibernate/wake flows both the sweep and the queued
// wake-droplet job handler call into.
type Controller struct {
	tenants   storage.TenantStore
	droplets  storage.DropletStore
	lifecycle storage.LifecycleStore
	accounts  storage.AccountStore
	wakes     storage.HibernationStore
	cloud     *cloudapi.Client
	predictor ActivityPredictor
	log       *logger.Logger

	interval   time.Duration
	thresholds Thresholds

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	tracer  core.Tracer
}

// New builds a Controller.
func New(tenants storage.TenantStore, droplets storage.DropletStore, lifecycle storage.LifecycleStore, accounts storage.AccountStore, wakes storage.HibernationStore, cloud *cloudapi.Client, predictor ActivityPredictor, cfg Config, log *logger.Logger) *Controller {
	if log == nil {
		log = logger.NewDefault("hibernation")
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Controller{
		tenants: tenants, droplets: droplets, lifecycle: lifecycle, accounts: accounts,
		wakes: wakes, cloud: cloud, predictor: predictor, log: log,
		interval: interval, thresholds: cfg.Thresholds.withDefaults(), tracer: core.NoopTracer,
	}
}

func (c *Controller) Name() string { return "hibernation" }

func (c *Controller) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         c.Name(),
		Domain:       "fleet-cost",
		Layer:        core.LayerEngine,
		Capabilities: []string{"hibernate", "wake", "staggered-wake", "predictive-prewarm"},
	}
}

func (c *Controller) WithTracer(tracer core.Tracer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tracer == nil {
		tracer = core.NoopTracer
	}
	c.tracer = tracer
}

func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(runCtx)
	c.log.WithField("interval", c.interval).Info("hibernation controller started")
	return nil
}

func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.running = false
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.log.Info("hibernation controller stopped")
	return nil
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep scans active tenants for hibernation eligibility and drains any
// wake schedule whose time has come.
func (c *Controller) sweep(ctx context.Context) {
	now := time.Now().UTC()

	tenants, err := c.tenants.ListTenants(ctx)
	if err != nil {
		c.log.WithError(err).Error("hibernation: list tenants failed")
	} else {
		for _, t := range tenants {
			d, err := c.droplets.GetDropletByTenant(ctx, t.ID)
			if err != nil {
				continue
			}
			if eligible, _ := CheckEligibility(t, d, now, c.thresholds); !eligible {
				continue
			}
			if err := c.Hibernate(ctx, t.ID); err != nil {
				c.log.WithError(err).WithField("tenant_id", t.ID).Error("hibernation: sweep-triggered hibernate failed")
			}
		}
	}

	c.schedulePrewarms(ctx, tenants, now)

	due, err := c.wakes.ListDueWakeSchedules(ctx, now, 256)
	if err != nil {
		c.log.WithError(err).Error("hibernation: list due wake schedules failed")
		return
	}
	for _, w := range due {
		if err := c.Wake(ctx, w.TenantID, w.Reason); err != nil {
			c.log.WithError(err).WithField("tenant_id", w.TenantID).Error("hibernation: scheduled wake failed")
		}
		if err := c.wakes.MarkWakeScheduleDone(ctx, w.ID); err != nil {
			c.log.WithError(err).WithField("wake_schedule_id", w.ID).Error("hibernation: mark wake schedule done failed")
		}
	}
}

// schedulePrewarms implements predictive pre-warm for high-priority
// tenants (spec.md §9 Open Question 3): if a hibernated high-priority
// tenant's predicted next activity falls inside the prewarm window, it
// commits a wake schedule timed to land by that prediction rather than
// waiting for the triggering event itself.
func (c *Controller) schedulePrewarms(ctx context.Context, tenants []tenant.Tenant, now time.Time) {
	if c.predictor == nil {
		return
	}
	for _, t := range tenants {
		if t.Tier != tenant.TierHighPriority {
			continue
		}
		d, err := c.droplets.GetDropletByTenant(ctx, t.ID)
		if err != nil || d.State != droplet.StateHibernated {
			continue
		}
		at, ok, err := c.predictor.PredictNextActivity(ctx, t.ID)
		if err != nil || !ok {
			continue
		}
		if at.Before(now) || at.Sub(now) > c.thresholds.HighPriorityPrewarm {
			continue
		}
		if err := c.ScheduleWake(ctx, t.ID, d.ID, job.WakeReasonScheduledCampaign, at.Add(-c.thresholds.HighPriorityPrewarm)); err != nil {
			c.log.WithError(err).WithField("tenant_id", t.ID).Error("hibernation: predictive prewarm schedule failed")
		}
	}
}

// Hibernate runs spec.md §4.6's strictly-ordered hibernate flow:
// notification, metric snapshot, engine graceful stop, VM power-off,
// lifecycle transition, cost ledger entry. Any step failing halts the
// flow; there is no auto-retry.
func (c *Controller) Hibernate(ctx context.Context, tenantID string) error {
	log := c.log.WithField("tenant_id", tenantID)

	d, err := c.droplets.GetDropletByTenant(ctx, tenantID)
	if err != nil {
		return errs.Wrap(errs.ProvisioningFailed, "hibernation: droplet lookup failed", err).WithContext("tenant_id", tenantID)
	}
	if d.State != droplet.StateActiveHealthy && d.State != droplet.StateActiveDegraded {
		return errs.New(errs.StateTransitionError, "hibernation: droplet not in an active state").
			WithContext("tenant_id", tenantID).WithContext("state", string(d.State))
	}

	log.WithField("droplet_id", d.ID).Info("hibernation: notifying tenant of impending hibernation")

	client, err := sidecar.New(sidecar.Config{BaseURL: "https://" + d.PublicDNS})
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "hibernation: dial sidecar", err)
	}
	if err := client.Health(ctx); err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "hibernation: pre-stop health snapshot failed", err).WithContext("droplet_id", d.ID)
	}

	if err := client.PrepareUpdate(ctx); err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "hibernation: graceful engine stop failed", err).WithContext("droplet_id", d.ID)
	}

	if err := c.cloud.PowerOff(ctx, d.CloudVMID); err != nil {
		return errs.Wrap(errs.CloudAPIError, "hibernation: VM power-off failed", err).WithContext("droplet_id", d.ID)
	}

	if _, err := c.lifecycle.AppendEvent(ctx, lifecycle.Event{
		ID:         uuid.NewString(),
		DropletID:  d.ID,
		FromState:  string(d.State),
		ToState:    string(droplet.StateHibernated),
		Reason:     "inactivity",
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: journal hibernate transition failed", err).WithContext("droplet_id", d.ID)
	}
	if _, err := c.droplets.TransitionState(ctx, d.ID, droplet.StateHibernated); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: persist hibernate transition failed", err).WithContext("droplet_id", d.ID)
	}

	if _, err := c.accounts.AppendCostLedger(ctx, account.CostLedgerEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		DropletID: d.ID,
		Event:     account.CostEventHibernate,
		Note:      "inactivity-triggered hibernation",
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: cost ledger entry failed", err).WithContext("droplet_id", d.ID)
	}

	log.WithField("droplet_id", d.ID).Info("hibernation: droplet hibernated")
	return nil
}

// Wake runs spec.md §4.6's budget-gated wake flow: power-on, await
// active VM status, await sidecar health, lifecycle transition, cost
// ledger entry.
func (c *Controller) Wake(ctx context.Context, tenantID string, reason job.WakeReason) error {
	log := c.log.WithField("tenant_id", tenantID).WithField("reason", string(reason))

	d, err := c.droplets.GetDropletByTenant(ctx, tenantID)
	if err != nil {
		return errs.Wrap(errs.ProvisioningFailed, "hibernation: droplet lookup failed", err).WithContext("tenant_id", tenantID)
	}
	if d.State != droplet.StateHibernated {
		return errs.New(errs.StateTransitionError, "hibernation: droplet not hibernated").
			WithContext("tenant_id", tenantID).WithContext("state", string(d.State))
	}

	if _, err := c.lifecycle.AppendEvent(ctx, lifecycle.Event{
		ID:         uuid.NewString(),
		DropletID:  d.ID,
		FromState:  string(d.State),
		ToState:    string(droplet.StateWaking),
		Reason:     string(reason),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: journal wake transition failed", err).WithContext("droplet_id", d.ID)
	}
	if _, err := c.droplets.TransitionState(ctx, d.ID, droplet.StateWaking); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: persist wake transition failed", err).WithContext("droplet_id", d.ID)
	}

	if err := c.cloud.PowerOn(ctx, d.CloudVMID); err != nil {
		return errs.Wrap(errs.CloudAPIError, "hibernation: VM power-on failed", err).WithContext("droplet_id", d.ID)
	}

	if err := pollActive(ctx, c.cloud, d.CloudVMID, c.thresholds.WakeActiveBudget, c.thresholds.WakeActivePoll); err != nil {
		return errs.Wrap(errs.CloudAPIError, "hibernation: VM did not reach active status within budget", err).WithContext("droplet_id", d.ID)
	}

	client, err := sidecar.New(sidecar.Config{BaseURL: "https://" + d.PublicDNS})
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "hibernation: dial sidecar", err)
	}
	if err := pollSidecarHealthy(ctx, client, c.thresholds.WakeHealthBudget, c.thresholds.WakeHealthPoll); err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "hibernation: sidecar did not become healthy within budget", err).WithContext("droplet_id", d.ID)
	}

	if _, err := c.lifecycle.AppendEvent(ctx, lifecycle.Event{
		ID:         uuid.NewString(),
		DropletID:  d.ID,
		FromState:  string(droplet.StateWaking),
		ToState:    string(droplet.StateActiveHealthy),
		Reason:     string(reason),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: journal wake-complete transition failed", err).WithContext("droplet_id", d.ID)
	}
	if _, err := c.droplets.TransitionState(ctx, d.ID, droplet.StateActiveHealthy); err != nil {
		return errs.Wrap(errs.DegradedDependency, "hibernation: persist wake-complete transition failed", err).WithContext("droplet_id", d.ID)
	}

	if _, err := c.accounts.AppendCostLedger(ctx, account.CostLedgerEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		DropletID: d.ID,
		Event:     account.CostEventWake,
		Note:      "wake: " + string(reason),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("hibernation: cost ledger entry failed")
	}

	log.WithField("droplet_id", d.ID).Info("hibernation: droplet woken")
	return nil
}

func pollActive(ctx context.Context, cloud *cloudapi.Client, vmID string, budget, cadence time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	var lastErr error
	for {
		vm, err := cloud.GetVM(ctx, vmID)
		if err == nil && vm.Status == "active" {
			return nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			if lastErr == nil {
				lastErr = errs.New(errs.CloudAPIError, "hibernation: VM status poll budget exceeded")
			}
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func pollSidecarHealthy(ctx context.Context, client *sidecar.Client, budget, cadence time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()

	var lastErr error
	for {
		if err := client.Health(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScheduleWake persists a wake commitment for a future time, draining
// through sweep's ListDueWakeSchedules poll. Its caller in this package is
// schedulePrewarms; stagger.go's ScheduleStaggeredWakes only computes
// start times and persists nothing.
func (c *Controller) ScheduleWake(ctx context.Context, tenantID, dropletID string, reason job.WakeReason, at time.Time) error {
	_, err := c.wakes.CreateWakeSchedule(ctx, hibernation.WakeSchedule{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		DropletID:   dropletID,
		Reason:      reason,
		ScheduledAt: at,
	})
	return err
}

// HandleWakeDroplet implements job.KindWakeDroplet, adapting a
// queue-triggered wake request (user login, admin request, watchdog
// recovery) to Wake. Grounded on internal/fleetupdate/handler.go's thin
// Payload-type-switch-then-delegate shape.
func (c *Controller) HandleWakeDroplet(ctx context.Context, j *job.Job) error {
	wd, ok := j.Payload.(job.WakeDroplet)
	if !ok {
		return errs.New(errs.ValidationFailed, "hibernation: expected WakeDroplet payload").
			WithContext("kind", string(j.Payload.Kind()))
	}
	return c.Wake(ctx, wd.TenantID, wd.Reason)
}
