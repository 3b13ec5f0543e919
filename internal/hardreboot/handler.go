// Package hardreboot implements the job handler for
// job.KindHardRebootDroplet, emitted by internal/watchdog when a droplet
// misses its heartbeat deadline. It journals ZOMBIE->REBOOTING, power-cycles
// the instance via the cloud API, polls until the provider reports it
// active again, and journals REBOOTING->ACTIVE_HEALTHY — or ORPHAN if the
// instance never comes back, matching internal/hibernation's
// journal-before-persist-transition and wall-clock poll-budget pattern.
package hardreboot

import (
	"context"
	"time"

	"github.com/fleetctl/controlplane/internal/cloudapi"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

const (
	pollBudget  = 120 * time.Second
	pollCadence = 5 * time.Second
)

// Handler reboots droplets on behalf of the job bus.
type Handler struct {
	droplets  storage.DropletStore
	lifecycle storage.LifecycleStore
	cloud     *cloudapi.Client
	log       *logger.Logger
}

// New builds a Handler.
func New(droplets storage.DropletStore, lifecycle storage.LifecycleStore, cloud *cloudapi.Client, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("hardreboot")
	}
	return &Handler{droplets: droplets, lifecycle: lifecycle, cloud: cloud, log: log}
}

// HandleHardRebootDroplet is registered against job.KindHardRebootDroplet.
func (h *Handler) HandleHardRebootDroplet(ctx context.Context, j *job.Job) error {
	rd, ok := j.Payload.(job.HardRebootDroplet)
	if !ok {
		return errs.New(errs.ValidationFailed, "hardreboot: expected HardRebootDroplet payload").
			WithContext("kind", string(j.Payload.Kind()))
	}

	log := h.log.WithField("droplet_id", rd.DropletID).WithField("tenant_id", rd.TenantID)

	d, err := h.droplets.GetDroplet(ctx, rd.DropletID)
	if err != nil {
		return err
	}
	if d.State != droplet.StateZombie {
		log.WithField("state", d.State).Info("hardreboot: droplet no longer zombie, skipping")
		return nil
	}

	if _, err := h.lifecycle.AppendEvent(ctx, lifecycle.Event{
		DropletID: d.ID, FromState: string(d.State), ToState: string(droplet.StateRebooting),
		Reason: string(rd.Reason), OccurredAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if _, err := h.droplets.TransitionState(ctx, d.ID, droplet.StateRebooting); err != nil {
		return err
	}

	if err := h.cloud.PowerCycle(ctx, d.CloudVMID); err != nil {
		log.WithError(err).Error("hardreboot: power-cycle call failed")
		return h.orphan(ctx, d)
	}

	if err := pollActive(ctx, h.cloud, d.CloudVMID, pollBudget, pollCadence); err != nil {
		log.WithError(err).Warn("hardreboot: instance did not come back within budget")
		return h.orphan(ctx, d)
	}

	if _, err := h.lifecycle.AppendEvent(ctx, lifecycle.Event{
		DropletID: d.ID, FromState: string(droplet.StateRebooting), ToState: string(droplet.StateActiveHealthy),
		Reason: "hard_reboot_recovered", OccurredAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	if _, err := h.droplets.TransitionState(ctx, d.ID, droplet.StateActiveHealthy); err != nil {
		return err
	}
	log.Info("hardreboot: droplet recovered")
	return nil
}

// orphan marks a droplet ORPHAN after a reboot that never recovered, so
// it surfaces for operator attention instead of silently staying
// REBOOTING forever.
func (h *Handler) orphan(ctx context.Context, d droplet.Droplet) error {
	if _, err := h.lifecycle.AppendEvent(ctx, lifecycle.Event{
		DropletID: d.ID, FromState: string(droplet.StateRebooting), ToState: string(droplet.StateOrphan),
		Reason: "hard_reboot_failed", OccurredAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	_, err := h.droplets.TransitionState(ctx, d.ID, droplet.StateOrphan)
	return err
}

func pollActive(ctx context.Context, cloud *cloudapi.Client, vmID string, budget, cadence time.Duration) error {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		vm, err := cloud.GetVM(ctx, vmID)
		if err == nil && vm.Status == "active" {
			return nil
		}
		if time.Now().After(deadline) {
			return errs.New(errs.CloudAPIError, "hardreboot: instance did not report active within budget")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
