package hibernation

import (
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
)

func TestCheckEligibility_EnterpriseTierNeverHibernates(t *testing.T) {
	now := time.Now().UTC()
	tn := tenant.Tenant{
		Tier:           tenant.TierEnterprise,
		AccountActive:  true,
		LastCampaignAt: now.Add(-60 * 24 * time.Hour),
	}
	d := droplet.Droplet{State: droplet.StateActiveHealthy}

	eligible, reason := CheckEligibility(tn, d, now, Thresholds{})
	if eligible {
		t.Error("expected an enterprise-tier tenant to never be eligible")
	}
	if reason != "Enterprise tier - never hibernates" {
		t.Errorf("reason = %q, want %q", reason, "Enterprise tier - never hibernates")
	}
}

func TestCheckEligibility_StandardTierEligibleAfterInactivity(t *testing.T) {
	now := time.Now().UTC()
	tn := tenant.Tenant{
		Tier:                    tenant.TierStandard,
		AccountActive:           true,
		LastCampaignAt:          now.Add(-10 * 24 * time.Hour),
		LastWorkflowExecutionAt: now.Add(-10 * 24 * time.Hour),
		LastDashboardLoginAt:    now.Add(-20 * 24 * time.Hour),
	}
	d := droplet.Droplet{State: droplet.StateActiveHealthy}

	eligible, reason := CheckEligibility(tn, d, now, Thresholds{})
	if !eligible {
		t.Errorf("expected eligible, got reason %q", reason)
	}
	if reason != "" {
		t.Errorf("expected empty reason on eligible result, got %q", reason)
	}
}

func TestCheckEligibility_RecentCampaignBlocksHibernation(t *testing.T) {
	now := time.Now().UTC()
	tn := tenant.Tenant{
		Tier:           tenant.TierStandard,
		AccountActive:  true,
		LastCampaignAt: now.Add(-time.Hour),
	}
	d := droplet.Droplet{State: droplet.StateActiveHealthy}

	eligible, reason := CheckEligibility(tn, d, now, Thresholds{})
	if eligible {
		t.Error("expected a recent campaign to block eligibility")
	}
	if reason == "" {
		t.Error("expected a non-empty reason")
	}
}

func TestCheckEligibility_ManualHoldBlocksHibernation(t *testing.T) {
	now := time.Now().UTC()
	tn := tenant.Tenant{Tier: tenant.TierStandard, AccountActive: true, ManualHold: true}
	d := droplet.Droplet{State: droplet.StateActiveHealthy}

	eligible, reason := CheckEligibility(tn, d, now, Thresholds{})
	if eligible {
		t.Error("expected a manual hold to block eligibility")
	}
	if reason != "manual hold set" {
		t.Errorf("reason = %q, want %q", reason, "manual hold set")
	}
}

func TestCheckEligibility_NonActiveDropletIneligible(t *testing.T) {
	now := time.Now().UTC()
	tn := tenant.Tenant{Tier: tenant.TierStandard, AccountActive: true}
	d := droplet.Droplet{State: droplet.StateHibernated}

	eligible, _ := CheckEligibility(tn, d, now, Thresholds{})
	if eligible {
		t.Error("expected an already-hibernated droplet to be ineligible")
	}
}

func TestCheckEligibility_HighPriorityUsesAutoHibernateWindow(t *testing.T) {
	now := time.Now().UTC()
	th := Thresholds{AutoHibernateAfter: time.Hour}
	d := droplet.Droplet{State: droplet.StateActiveHealthy}

	recent := tenant.Tenant{
		Tier: tenant.TierHighPriority, AccountActive: true,
		LastWorkflowExecutionAt: now.Add(-30 * time.Minute),
	}
	if eligible, _ := CheckEligibility(recent, d, now, th); eligible {
		t.Error("expected activity within AutoHibernateAfter to block eligibility")
	}

	stale := tenant.Tenant{
		Tier: tenant.TierHighPriority, AccountActive: true,
		LastWorkflowExecutionAt: now.Add(-2 * time.Hour),
	}
	if eligible, reason := CheckEligibility(stale, d, now, th); !eligible {
		t.Errorf("expected activity outside AutoHibernateAfter to be eligible, reason=%q", reason)
	}
}
