package hibernation

import (
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/tenant"
)

// TestScheduleStaggeredWakes_FiveRequestScenario exercises spec §8
// scenario 5 verbatim: 5 wake requests with targets at T, T+2s, T+4s,
// T+6s, T+8s and a 1s inter-wake gap. Expected: scheduled start =
// T-5s-60s, schedule times 0,1,2,3,4s from start, end at start+5s.
func TestScheduleStaggeredWakes_FiveRequestScenario(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gap := time.Second

	requests := []WakeRequest{
		{DropletID: "d-0", Tier: tenant.TierStandard, TargetTime: base},
		{DropletID: "d-1", Tier: tenant.TierStandard, TargetTime: base.Add(2 * time.Second)},
		{DropletID: "d-2", Tier: tenant.TierStandard, TargetTime: base.Add(4 * time.Second)},
		{DropletID: "d-3", Tier: tenant.TierStandard, TargetTime: base.Add(6 * time.Second)},
		{DropletID: "d-4", Tier: tenant.TierStandard, TargetTime: base.Add(8 * time.Second)},
	}

	scheduled, end := ScheduleStaggeredWakes(requests, gap)

	wantStart := base.Add(-5 * time.Second).Add(-60 * time.Second)
	if len(scheduled) != 5 {
		t.Fatalf("len(scheduled) = %d, want 5", len(scheduled))
	}
	for i, sw := range scheduled {
		want := wantStart.Add(time.Duration(i) * gap)
		if !sw.ScheduledAt.Equal(want) {
			t.Errorf("scheduled[%d].ScheduledAt = %v, want %v", i, sw.ScheduledAt, want)
		}
	}

	wantEnd := wantStart.Add(5 * time.Second)
	if !end.Equal(wantEnd) {
		t.Errorf("batch end = %v, want %v (start+5s)", end, wantEnd)
	}
}

func TestScheduleStaggeredWakes_OrdersByTierThenTargetTime(t *testing.T) {
	base := time.Now().UTC()
	requests := []WakeRequest{
		{DropletID: "standard-early", Tier: tenant.TierStandard, TargetTime: base},
		{DropletID: "high-priority", Tier: tenant.TierHighPriority, TargetTime: base.Add(time.Hour)},
	}

	scheduled, _ := ScheduleStaggeredWakes(requests, time.Second)
	if scheduled[0].DropletID != "high-priority" {
		t.Errorf("scheduled[0] = %q, want the higher-priority tier first regardless of target time", scheduled[0].DropletID)
	}
}

func TestScheduleStaggeredWakes_EmptyInput(t *testing.T) {
	scheduled, end := ScheduleStaggeredWakes(nil, time.Second)
	if scheduled != nil {
		t.Errorf("expected nil schedule for no requests, got %#v", scheduled)
	}
	if !end.IsZero() {
		t.Errorf("expected zero end time for no requests, got %v", end)
	}
}

func TestScheduleStaggeredWakes_DefaultsGapWhenNonPositive(t *testing.T) {
	base := time.Now().UTC()
	requests := []WakeRequest{{DropletID: "d-0", Tier: tenant.TierStandard, TargetTime: base}}

	scheduled, _ := ScheduleStaggeredWakes(requests, 0)
	want := base.Add(-time.Second).Add(-60 * time.Second)
	if !scheduled[0].ScheduledAt.Equal(want) {
		t.Errorf("ScheduledAt = %v, want %v (gap defaulted to 1s)", scheduled[0].ScheduledAt, want)
	}
}
