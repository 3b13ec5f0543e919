// Package credentialinject implements the job handler for
// job.KindCredentialInject: spec.md §4.5's "for each credential in the
// bundle: push encrypted blob; verify by type-specific endpoint; record
// an immutable credential_updates entry" sequence. Grounded on
// internal/fleetupdate/handler.go's dial-then-push-then-record shape.
package credentialinject

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/domain/credential"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/sidecar"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

// Handler adapts credential-inject jobs to internal/worker.Handler.
type Handler struct {
	droplets    storage.DropletStore
	credentials storage.CredentialStore
	log         *logger.Logger
}

// New builds a Handler.
func New(droplets storage.DropletStore, credentials storage.CredentialStore, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("credential-inject")
	}
	return &Handler{droplets: droplets, credentials: credentials, log: log}
}

func (h *Handler) dial(publicDNS string) (*sidecar.Client, error) {
	return sidecar.New(sidecar.Config{BaseURL: "https://" + publicDNS})
}

// HandleCredentialInject implements job.KindCredentialInject. Idempotency
// is the sidecar's responsibility (it overwrites same-type credentials),
// so this handler doesn't need to dedupe the bundle itself.
func (h *Handler) HandleCredentialInject(ctx context.Context, j *job.Job) error {
	ci, ok := j.Payload.(job.CredentialInject)
	if !ok {
		return errs.New(errs.ValidationFailed, "credentialinject: expected CredentialInject payload").
			WithContext("kind", string(j.Payload.Kind()))
	}

	d, err := h.droplets.GetDroplet(ctx, ci.DropletID)
	if err != nil {
		return err
	}

	client, err := h.dial(d.PublicDNS)
	if err != nil {
		return errs.Wrap(errs.SidecarUnreachable, "credentialinject: dial failed", err)
	}

	for _, cred := range ci.Credentials {
		if err := client.InjectCredential(ctx, cred.Type, cred.EncryptedBlob); err != nil {
			return errs.Wrap(errs.SidecarUnreachable, "credentialinject: push failed", err).
				WithContext("credential_type", cred.Type)
		}

		verified, err := client.VerifyCredential(ctx, cred.Type)
		if err != nil {
			return errs.Wrap(errs.SidecarUnreachable, "credentialinject: verify failed", err).
				WithContext("credential_type", cred.Type)
		}
		if !verified {
			return errs.New(errs.HealthGateFailed, "credentialinject: sidecar did not confirm credential").
				WithContext("credential_type", cred.Type)
		}

		if _, err := h.credentials.AppendUpdate(ctx, credential.UpdateRecord{
			ID: uuid.NewString(), TenantID: ci.TenantID, DropletID: ci.DropletID,
			Type: cred.Type, OccurredAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	h.log.WithField("droplet_id", ci.DropletID).WithField("count", len(ci.Credentials)).
		Info("credentialinject: bundle applied")
	return nil
}
