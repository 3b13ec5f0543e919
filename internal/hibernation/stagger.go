package hibernation

import (
	"sort"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
)

// WakeRequest is one droplet a caller wants woken by a target time.
type WakeRequest struct {
	TenantID   string
	DropletID  string
	Tier       tenant.Tier
	Reason     job.WakeReason
	TargetTime time.Time
}

// ScheduledWake is one request's computed start time within a staggered
// batch.
type ScheduledWake struct {
	WakeRequest
	ScheduledAt time.Time
}

var tierWakePriority = map[tenant.Tier]int{
	tenant.TierEnterprise:   0, // not applicable per spec, but ranked first if ever present
	tenant.TierHighPriority: 1,
	tenant.TierStandard:     2,
}

// ScheduleStaggeredWakes implements spec.md §4.6's staggered wake
// formula: order requests by (tier descending priority, target-time
// ascending), space consecutive wakes by gap, and start the batch at
// earliest_target - N*gap - 60s, matching the standard-tier ≤60s
// wake-time bound. The projected batch end is start + N*gap.
func ScheduleStaggeredWakes(requests []WakeRequest, gap time.Duration) ([]ScheduledWake, time.Time) {
	if len(requests) == 0 {
		return nil, time.Time{}
	}
	if gap <= 0 {
		gap = time.Second
	}

	ordered := make([]WakeRequest, len(requests))
	copy(ordered, requests)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := tierWakePriority[ordered[i].Tier], tierWakePriority[ordered[j].Tier]
		if pi != pj {
			return pi < pj
		}
		return ordered[i].TargetTime.Before(ordered[j].TargetTime)
	})

	earliest := ordered[0].TargetTime
	for _, r := range ordered {
		if r.TargetTime.Before(earliest) {
			earliest = r.TargetTime
		}
	}

	n := time.Duration(len(ordered))
	batchStart := earliest.Add(-n * gap).Add(-60 * time.Second)

	out := make([]ScheduledWake, len(ordered))
	for i, r := range ordered {
		out[i] = ScheduledWake{WakeRequest: r, ScheduledAt: batchStart.Add(time.Duration(i) * gap)}
	}
	batchEnd := batchStart.Add(n * gap)
	return out, batchEnd
}
