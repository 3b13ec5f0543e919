package hibernation

import (
	"context"
	"time"

	"github.com/fleetctl/controlplane/internal/storage"
)

// ActivityPredictor predicts when a tenant is next expected to need its
// droplet awake, so the controller can pre-warm ahead of that moment.
// Left abstract per spec.md §9 Open Question 3 ("based on scheduled
// campaign timestamps / historical login patterns") — the concrete
// implementation below models only the first of those two signals;
// swapping in a historical-pattern model is a matter of providing
// another ActivityPredictor.
type ActivityPredictor interface {
	PredictNextActivity(ctx context.Context, tenantID string) (at time.Time, ok bool, err error)
}

// CampaignSchedulePredictor is the one concrete ActivityPredictor this
// controller ships: it reads the tenant's own declared next scheduled
// campaign timestamp.
type CampaignSchedulePredictor struct {
	tenants storage.TenantStore
}

// NewCampaignSchedulePredictor builds a CampaignSchedulePredictor.
func NewCampaignSchedulePredictor(tenants storage.TenantStore) *CampaignSchedulePredictor {
	return &CampaignSchedulePredictor{tenants: tenants}
}

func (p *CampaignSchedulePredictor) PredictNextActivity(ctx context.Context, tenantID string) (time.Time, bool, error) {
	t, err := p.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return time.Time{}, false, err
	}
	if t.NextScheduledCampaignAt.IsZero() {
		return time.Time{}, false, nil
	}
	return t.NextScheduledCampaignAt, true, nil
}
