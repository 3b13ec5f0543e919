// Package hibernation implements spec.md §4.6's hibernation/wake
// controller: eligibility evaluation, the strictly-ordered hibernate
// flow, the budget-gated wake flow, staggered batch wake scheduling, and
// predictive pre-warm for the high-priority tier. Grounded on the same
// ticker/system.Service shape as internal/watchdog and internal/fleetupdate,
// and on internal/app/services/gasbank/settlement.go's due-item poll
// (ListPendingWithdrawals generalized into storage.HibernationStore's
// ListDueWakeSchedules).
package hibernation

import (
	"time"

	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
)

// Thresholds tunes hibernation eligibility and wake timing; zero values
// fall back to spec.md §4.6/§6.1 defaults.
type Thresholds struct {
	CampaignInactivity       time.Duration
	WorkflowInactivity       time.Duration
	DashboardLoginInactivity time.Duration

	InterWakeGap            time.Duration
	WakeActiveBudget        time.Duration
	WakeActivePoll          time.Duration
	WakeHealthBudget        time.Duration
	WakeHealthPoll          time.Duration
	HighPriorityPrewarm     time.Duration
	AutoHibernateAfter      time.Duration
}

func (t Thresholds) withDefaults() Thresholds {
	if t.CampaignInactivity <= 0 {
		t.CampaignInactivity = 7 * 24 * time.Hour
	}
	if t.WorkflowInactivity <= 0 {
		t.WorkflowInactivity = 7 * 24 * time.Hour
	}
	if t.DashboardLoginInactivity <= 0 {
		t.DashboardLoginInactivity = 14 * 24 * time.Hour
	}
	if t.InterWakeGap <= 0 {
		t.InterWakeGap = time.Second
	}
	if t.WakeActiveBudget <= 0 {
		t.WakeActiveBudget = 120 * time.Second
	}
	if t.WakeActivePoll <= 0 {
		t.WakeActivePoll = 5 * time.Second
	}
	if t.WakeHealthBudget <= 0 {
		t.WakeHealthBudget = 60 * time.Second
	}
	if t.WakeHealthPoll <= 0 {
		t.WakeHealthPoll = 3 * time.Second
	}
	if t.HighPriorityPrewarm <= 0 {
		t.HighPriorityPrewarm = 5 * time.Minute
	}
	if t.AutoHibernateAfter <= 0 {
		t.AutoHibernateAfter = 24 * time.Hour
	}
	return t
}

// CheckEligibility implements spec.md §4.6's eligibility rule set.
// Enterprise tier is always ineligible, independent of activity.
//
// High-priority tenants use AutoHibernateAfter as their inactivity
// window in place of the three standard-tier windows: spec.md §4.6's
// "post-activity, re-hibernate after auto_hibernate_after_hours of
// inactivity" is this same rule set evaluated with a tighter window,
// not a separate mechanism.
func CheckEligibility(t tenant.Tenant, d droplet.Droplet, now time.Time, th Thresholds) (eligible bool, reason string) {
	th = th.withDefaults()

	if t.Tier == tenant.TierEnterprise {
		return false, "Enterprise tier - never hibernates"
	}
	if d.State != droplet.StateActiveHealthy && d.State != droplet.StateActiveDegraded {
		return false, "droplet not in an active state"
	}
	if !t.AccountActive {
		return false, "account not active"
	}
	if t.ManualHold {
		return false, "manual hold set"
	}

	campaignWindow, workflowWindow, loginWindow := th.CampaignInactivity, th.WorkflowInactivity, th.DashboardLoginInactivity
	if t.Tier == tenant.TierHighPriority {
		campaignWindow, workflowWindow, loginWindow = th.AutoHibernateAfter, th.AutoHibernateAfter, th.AutoHibernateAfter
	}

	if !t.LastCampaignAt.IsZero() && now.Sub(t.LastCampaignAt) < campaignWindow {
		return false, "active campaign within inactivity window"
	}
	if !t.LastWorkflowExecutionAt.IsZero() && now.Sub(t.LastWorkflowExecutionAt) < workflowWindow {
		return false, "workflow executed within inactivity window"
	}
	if !t.LastDashboardLoginAt.IsZero() && now.Sub(t.LastDashboardLoginAt) < loginWindow {
		return false, "dashboard login within inactivity window"
	}
	return true, ""
}
