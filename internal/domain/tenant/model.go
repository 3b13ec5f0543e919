// Package tenant models the customer workspaces the control plane
// provisions droplets for.
package tenant

import "time"

// Tier determines hibernation eligibility, rollout wave ordering, and
// wake priority.
type Tier string

const (
	TierStandard     Tier = "standard"
	TierHighPriority Tier = "high_priority"
	TierEnterprise   Tier = "enterprise"
)

// Tenant is never destroyed by the control plane; it is soft-deleted by
// the upstream API that owns the workspace.
//
// The Last*At/AccountActive/ManualHold fields are the activity signals
// spec.md §4.6's hibernation eligibility rule reads. They are written by
// whatever upstream system owns campaigns, workflow execution, and
// dashboard auth — out of scope for this control plane — and are
// treated here as read-only inputs.
type Tenant struct {
	ID        string
	Slug      string
	Region    string
	Tier      Tier
	CreatedAt time.Time

	AccountActive            bool
	ManualHold               bool
	LastCampaignAt           time.Time
	LastWorkflowExecutionAt  time.Time
	LastDashboardLoginAt     time.Time
	NextScheduledCampaignAt  time.Time
}
