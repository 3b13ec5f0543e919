// Package credential models the append-only ledger of credential
// injections spec.md §4.5 requires ("record an immutable
// credential_updates entry"). The encrypted blob itself is carried by
// job.CredentialInject; this package records only that an injection
// happened, not the secret material.
package credential

import "time"

// UpdateRecord is one immutable row: a credential of Type was pushed to
// DropletID and verified.
type UpdateRecord struct {
	ID         string
	TenantID   string
	DropletID  string
	Type       string
	OccurredAt time.Time
}
