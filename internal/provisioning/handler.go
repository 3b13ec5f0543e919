package provisioning

import (
	"context"

	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
)

// Handle adapts Factory.Provision to internal/worker.Handler, so main.go
// wires it with registry.Register(job.KindIgnition, factory.Handle).
func (f *Factory) Handle(ctx context.Context, j *job.Job) error {
	ignition, ok := j.Payload.(job.Ignition)
	if !ok {
		return errs.New(errs.ValidationFailed, "provisioning: expected Ignition payload").
			WithContext("kind", string(j.Payload.Kind()))
	}

	_, err := f.Provision(ctx, Request{
		TenantID:  ignition.TenantID,
		Slug:      ignition.Slug,
		SizeTag:   ignition.DropletSizeTag,
		Region:    ignition.Region,
		Requester: ignition.Requester,
	})
	return err
}
