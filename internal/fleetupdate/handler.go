package fleetupdate

import (
	"context"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/sidecar"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

const (
	healthPollBudget  = 60 * time.Second
	healthPollCadence = 2 * time.Second
)

// Handlers adapts fleet update jobs to internal/worker.Handler. Grounded
// on internal/provisioning/handler.go's thin Payload-type-switch-then-
// delegate shape, generalized to two job kinds instead of one.
type Handlers struct {
	droplets  storage.DropletStore
	templates storage.TemplateStore
	log       *logger.Logger
}

// NewHandlers builds a Handlers.
func NewHandlers(droplets storage.DropletStore, templates storage.TemplateStore, log *logger.Logger) *Handlers {
	if log == nil {
		log = logger.NewDefault("fleetupdate-handlers")
	}
	return &Handlers{droplets: droplets, templates: templates, log: log}
}

func (h *Handlers) dial(publicDNS string) (*sidecar.Client, error) {
	return sidecar.New(sidecar.Config{BaseURL: "https://" + publicDNS})
}

// HandleWorkflowUpdate implements job.KindWorkflowUpdate: push the
// declared template body for the rollout's target version to the
// tenant's droplet, then record the new workflow version.
func (h *Handlers) HandleWorkflowUpdate(ctx context.Context, j *job.Job) error {
	wu, ok := j.Payload.(job.WorkflowUpdate)
	if !ok {
		return errs.New(errs.ValidationFailed, "fleetupdate: expected WorkflowUpdate payload").
			WithContext("kind", string(j.Payload.Kind()))
	}

	tmpl, err := h.templates.GetTemplate(ctx, wu.WorkflowName, wu.Version)
	if err != nil {
		return errs.Wrap(errs.ProvisioningFailed, "fleetupdate: template lookup failed", err).
			WithContext("tenant_id", wu.TenantID)
	}

	d, err := h.droplets.GetDropletByTenant(ctx, wu.TenantID)
	if err != nil {
		return errs.Wrap(errs.ProvisioningFailed, "fleetupdate: droplet lookup failed", err).
			WithContext("tenant_id", wu.TenantID)
	}

	client, err := h.dial(d.PublicDNS)
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "fleetupdate: dial sidecar", err)
	}
	if err := client.DeployWorkflow(ctx, tmpl.Name, tmpl.Body, tmpl.Version); err != nil {
		return err
	}

	_, err = h.droplets.UpdateVersions(ctx, d.ID, d.CredentialVersion, d.SidecarVersion, wu.Version)
	return err
}

// HandleSidecarUpdate implements job.KindSidecarUpdate: the blue-green
// swap spec.md §4.5 describes — prepare, pull the new image, checkpoint,
// swap it in, then gate on health before committing. A failed health
// gate swaps back to the version the job started from and fails the job
// with HealthGateFailed so the wave's promotion gate counts it.
func (h *Handlers) HandleSidecarUpdate(ctx context.Context, j *job.Job) error {
	su, ok := j.Payload.(job.SidecarUpdate)
	if !ok {
		return errs.New(errs.ValidationFailed, "fleetupdate: expected SidecarUpdate payload").
			WithContext("kind", string(j.Payload.Kind()))
	}

	d, err := h.droplets.GetDroplet(ctx, su.DropletID)
	if err != nil {
		return errs.Wrap(errs.ProvisioningFailed, "fleetupdate: droplet lookup failed", err).
			WithContext("droplet_id", su.DropletID)
	}

	client, err := h.dial(d.PublicDNS)
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "fleetupdate: dial sidecar", err)
	}

	if err := client.PrepareUpdate(ctx); err != nil {
		return err
	}
	if err := client.PullImage(ctx, su.ToVersion); err != nil {
		return err
	}
	if err := client.Checkpoint(ctx); err != nil {
		return err
	}
	if err := client.SwapContainer(ctx, su.ToVersion); err != nil {
		return err
	}

	if err := pollHealthy(ctx, client); err != nil {
		h.log.WithField("droplet_id", su.DropletID).WithField("to_version", su.ToVersion).
			Warn("fleetupdate: health gate failed, swapping back")
		if swapErr := client.SwapContainer(ctx, su.FromVersion); swapErr != nil {
			h.log.WithError(swapErr).WithField("droplet_id", su.DropletID).
				Error("fleetupdate: swap-back after failed health gate also failed")
		}
		return errs.Wrap(errs.HealthGateFailed, "fleetupdate: sidecar health gate failed after swap", err).
			WithContext("droplet_id", su.DropletID).WithContext("to_version", su.ToVersion)
	}

	_, err = h.droplets.UpdateVersions(ctx, d.ID, d.CredentialVersion, su.ToVersion, d.WorkflowVersion)
	return err
}

// pollHealthy polls /health at healthPollCadence until it succeeds or
// healthPollBudget elapses, per spec.md §4.5 step 5.
func pollHealthy(ctx context.Context, client *sidecar.Client) error {
	deadline := time.Now().Add(healthPollBudget)
	ticker := time.NewTicker(healthPollCadence)
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
