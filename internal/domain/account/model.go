// Package account models the cloud-provider sub-accounts the
// provisioning factory draws capacity from.
package account

import "time"

// Status auto-flips to Full once Current crosses 0.95*Cap, and back to
// Active below that threshold, at the same atomic step that mutates
// Current.
type Status string

const (
	StatusActive   Status = "active"
	StatusFull     Status = "full"
	StatusDisabled Status = "disabled"
)

// Account is a cloud-provider sub-account holding a soft cap of droplets.
// EncryptedToken is the provider API token at rest, sealed by
// infrastructure/crypto's envelope scheme.
type Account struct {
	ID             string
	Region         string
	EncryptedToken []byte
	Cap            int
	Current        int
	Status         Status
	CreatedAt      time.Time
}

// FullThreshold returns the Current value at or above which an account
// with this cap auto-flips to Full.
func (a Account) FullThreshold() float64 {
	return 0.95 * float64(a.Cap)
}

// CostLedgerEntry records a hibernate/wake cost event for a tenant's
// droplet. Referenced by spec §4.6 but never fully typed there; this
// shape is the minimum the hibernation controller needs to write one row
// per state change it journals.
type CostLedgerEntry struct {
	ID        string
	TenantID  string
	DropletID string
	Event     string // "hibernate" | "wake"
	Note      string
	CreatedAt time.Time
}

const (
	CostEventHibernate = "hibernate"
	CostEventWake      = "wake"
)
