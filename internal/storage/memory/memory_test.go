package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/heartbeat"
	"github.com/fleetctl/controlplane/internal/domain/hibernation"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
	"github.com/fleetctl/controlplane/internal/domain/template"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
	"github.com/fleetctl/controlplane/internal/storage"
)

func TestTenantCreateGetList(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateTenant(ctx, tenant.Tenant{Slug: "acme"})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated ID")
	}

	got, err := store.GetTenant(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTenant: %v", err)
	}
	if got.Slug != "acme" {
		t.Errorf("Slug = %q, want acme", got.Slug)
	}

	if _, err := store.GetTenant(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetTenant(missing) err = %v, want ErrNotFound", err)
	}

	list, err := store.ListTenants(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListTenants = %#v, err=%v", list, err)
	}
}

func TestAccountCurrentAdjustmentFlipsStatus(t *testing.T) {
	store := New()
	ctx := context.Background()

	a, err := store.CreateAccount(ctx, account.Account{Region: "nyc1", Cap: 100})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if a.Status != account.StatusActive {
		t.Errorf("Status = %q, want %q", a.Status, account.StatusActive)
	}

	a.Current = 94
	for i := 0; i < 95; i++ {
		if _, err := store.IncrementCurrent(ctx, a.ID); err != nil {
			t.Fatalf("IncrementCurrent: %v", err)
		}
	}

	got, err := store.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Current != 95 {
		t.Errorf("Current = %d, want 95", got.Current)
	}
	if got.Status != account.StatusFull {
		t.Errorf("Status = %q, want %q after crossing the 95%% threshold", got.Status, account.StatusFull)
	}

	if _, err := store.DecrementCurrent(ctx, a.ID); err != nil {
		t.Fatalf("DecrementCurrent: %v", err)
	}
	got, _ = store.GetAccount(ctx, a.ID)
	if got.Status != account.StatusActive {
		t.Errorf("Status = %q, want %q after dropping below threshold", got.Status, account.StatusActive)
	}
}

func TestAccountCurrentNeverGoesNegative(t *testing.T) {
	store := New()
	ctx := context.Background()

	a, err := store.CreateAccount(ctx, account.Account{Region: "nyc1", Cap: 10})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	got, err := store.DecrementCurrent(ctx, a.ID)
	if err != nil {
		t.Fatalf("DecrementCurrent: %v", err)
	}
	if got.Current != 0 {
		t.Errorf("Current = %d, want floor of 0", got.Current)
	}
}

func TestDropletLifecycleEventsOrderedNewestFirst(t *testing.T) {
	store := New()
	ctx := context.Background()

	d, err := store.CreateDroplet(ctx, droplet.Droplet{TenantID: "t-1", State: droplet.StateProvisioning})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	if _, err := store.TransitionState(ctx, d.ID, droplet.StateActiveHealthy); err != nil {
		t.Fatalf("TransitionState: %v", err)
	}

	for i, to := range []droplet.State{droplet.StateProvisioning, droplet.StateActiveHealthy} {
		if _, err := store.AppendEvent(ctx, lifecycle.Event{DropletID: d.ID, ToState: string(to)}); err != nil {
			t.Fatalf("AppendEvent[%d]: %v", i, err)
		}
	}

	events, err := store.ListEvents(ctx, d.ID, 10)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ToState != string(droplet.StateActiveHealthy) {
		t.Errorf("events[0].ToState = %q, want newest-first ordering", events[0].ToState)
	}
}

func TestUpdateHealthPersistsSample(t *testing.T) {
	store := New()
	ctx := context.Background()

	d, err := store.CreateDroplet(ctx, droplet.Droplet{TenantID: "t-1"})
	if err != nil {
		t.Fatalf("CreateDroplet: %v", err)
	}

	ts := time.Now().UTC()
	got, err := store.UpdateHealth(ctx, d.ID, heartbeat.Heartbeat{
		Timestamp: ts, CPUPercent: 12.5, MemPercent: 33, DiskPercent: 50,
	})
	if err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}
	if got.CPUPercent != 12.5 || got.MemPercent != 33 || got.DiskPercent != 50 {
		t.Errorf("unexpected health fields: %+v", got)
	}
	if !got.LastHeartbeat.Equal(ts) {
		t.Errorf("LastHeartbeat = %v, want %v", got.LastHeartbeat, ts)
	}
}

func TestTemplateVersioningLatestIsMostRecentlyPut(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PutTemplate(ctx, template.Template{Name: "base", Version: "v1"}); err != nil {
		t.Fatalf("PutTemplate v1: %v", err)
	}
	if _, err := store.PutTemplate(ctx, template.Template{Name: "base", Version: "v2"}); err != nil {
		t.Fatalf("PutTemplate v2: %v", err)
	}

	latest, err := store.GetLatestTemplate(ctx, "base")
	if err != nil {
		t.Fatalf("GetLatestTemplate: %v", err)
	}
	if latest.Version != "v2" {
		t.Errorf("latest version = %q, want v2", latest.Version)
	}

	v1, err := store.GetTemplate(ctx, "base", "v1")
	if err != nil || v1.Version != "v1" {
		t.Errorf("GetTemplate(v1) = %+v, err=%v", v1, err)
	}

	if _, err := store.GetLatestTemplate(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetLatestTemplate(missing) err = %v, want ErrNotFound", err)
	}
}

func TestWaveOutcomeCountsFailures(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.RecordTerminal(ctx, storage.JobRecord{RolloutID: "r-1", WaveNumber: 1, Status: "completed"}); err != nil {
		t.Fatalf("RecordTerminal: %v", err)
	}
	if err := store.RecordTerminal(ctx, storage.JobRecord{RolloutID: "r-1", WaveNumber: 1, Status: "dead_letter"}); err != nil {
		t.Fatalf("RecordTerminal: %v", err)
	}

	total, failed, err := store.WaveOutcome(ctx, "r-1", 1)
	if err != nil {
		t.Fatalf("WaveOutcome: %v", err)
	}
	if total != 2 || failed != 1 {
		t.Errorf("total=%d failed=%d, want 2/1", total, failed)
	}
}

func TestDueWakeSchedulesFilterAndSortByTime(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now().UTC()

	later, err := store.CreateWakeSchedule(ctx, hibernation.WakeSchedule{DropletID: "d-2", ScheduledAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("CreateWakeSchedule: %v", err)
	}
	soon, err := store.CreateWakeSchedule(ctx, hibernation.WakeSchedule{DropletID: "d-1", ScheduledAt: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("CreateWakeSchedule: %v", err)
	}

	due, err := store.ListDueWakeSchedules(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListDueWakeSchedules: %v", err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Fatalf("ListDueWakeSchedules = %#v, want only the past-due schedule", due)
	}

	if err := store.MarkWakeScheduleDone(ctx, soon.ID); err != nil {
		t.Fatalf("MarkWakeScheduleDone: %v", err)
	}
	due, _ = store.ListDueWakeSchedules(ctx, now, 10)
	if len(due) != 0 {
		t.Errorf("expected the marked-done schedule to drop out, got %#v", due)
	}

	_ = later
}

func TestRolloutWaveTracking(t *testing.T) {
	store := New()
	ctx := context.Background()

	r, err := store.CreateRollout(ctx, rollout.Rollout{Status: rollout.StatusActive})
	if err != nil {
		t.Fatalf("CreateRollout: %v", err)
	}

	if _, err := store.CreateWave(ctx, rollout.Wave{RolloutID: r.ID, Number: 1}); err != nil {
		t.Fatalf("CreateWave: %v", err)
	}
	if _, err := store.UpdateWave(ctx, rollout.Wave{RolloutID: r.ID, Number: 1, Status: rollout.WaveStatusCompleted}); err != nil {
		t.Fatalf("UpdateWave: %v", err)
	}

	w, err := store.GetWave(ctx, r.ID, 1)
	if err != nil {
		t.Fatalf("GetWave: %v", err)
	}
	if w.Status != rollout.WaveStatusCompleted {
		t.Errorf("Status = %q, want completed", w.Status)
	}

	if _, err := store.UpdateRolloutStatus(ctx, r.ID, rollout.StatusComplete); err != nil {
		t.Fatalf("UpdateRolloutStatus: %v", err)
	}
	got, _ := store.GetRollout(ctx, r.ID)
	if got.Status != rollout.StatusComplete {
		t.Errorf("Status = %q, want complete", got.Status)
	}
}
