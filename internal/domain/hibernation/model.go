// Package hibernation models the durable schedule of future wake
// events the hibernation controller has committed to: staggered batch
// wakes and predictive pre-warms alike, both resolved the same way by
// internal/hibernation's due-item scan.
package hibernation

import (
	"time"

	"github.com/fleetctl/controlplane/internal/domain/job"
)

// WakeSchedule is one pending wake the controller will act on once its
// ScheduledAt time arrives.
type WakeSchedule struct {
	ID          string
	TenantID    string
	DropletID   string
	Reason      job.WakeReason
	ScheduledAt time.Time
	Done        bool
	CreatedAt   time.Time
}
