// Package memory is a thread-safe in-memory implementation of every
// interface in internal/storage, grounded on internal/app/storage/memory.go's
// Memory type (one struct, one map per aggregate, sync.RWMutex, deliberately
// simple). Used by tests; cmd/controlplane's openStore also selects it
// for an empty STORE_URL, which config.Load rejects.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/credential"
	"github.com/fleetctl/controlplane/internal/domain/dlq"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/heartbeat"
	"github.com/fleetctl/controlplane/internal/domain/hibernation"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
	"github.com/fleetctl/controlplane/internal/domain/template"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
	"github.com/fleetctl/controlplane/internal/storage"
)

// compile-time interface checks
var (
	_ storage.TenantStore     = (*Store)(nil)
	_ storage.AccountStore    = (*Store)(nil)
	_ storage.DropletStore    = (*Store)(nil)
	_ storage.LifecycleStore  = (*Store)(nil)
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.TemplateStore   = (*Store)(nil)
	_ storage.RolloutStore    = (*Store)(nil)
	_ storage.LedgerStore     = (*Store)(nil)
	_ storage.JobStore        = (*Store)(nil)
	_ storage.DLQStore        = (*Store)(nil)
	_ storage.HibernationStore = (*Store)(nil)
)

// Store is the in-memory backend for every storage interface.
type Store struct {
	mu sync.RWMutex

	tenants    map[string]tenant.Tenant
	accounts   map[string]account.Account
	costLedger []account.CostLedgerEntry
	droplets   map[string]droplet.Droplet
	lifecycle  []lifecycle.Event
	credUpds   []credential.UpdateRecord
	templates  map[string][]template.Template // name -> versions, newest last
	rollouts   map[string]rollout.Rollout
	waves      map[string]map[int]rollout.Wave // rolloutID -> number -> wave
	ledger     []rollout.LedgerEntry
	jobRecords []storage.JobRecord
	dlqArchive []dlq.Entry
	wakes      map[string]hibernation.WakeSchedule
}

// New builds an empty in-memory store.
func New() *Store {
	return &Store{
		tenants:   make(map[string]tenant.Tenant),
		accounts:  make(map[string]account.Account),
		droplets:  make(map[string]droplet.Droplet),
		templates: make(map[string][]template.Template),
		rollouts:  make(map[string]rollout.Rollout),
		waves:     make(map[string]map[int]rollout.Wave),
		wakes:     make(map[string]hibernation.WakeSchedule),
	}
}

// --- TenantStore -------------------------------------------------------

func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return tenant.Tenant{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]tenant.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- AccountStore --------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, a account.Account) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	if a.Status == "" {
		a.Status = account.StatusActive
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]account.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAccountsByRegion(ctx context.Context, region string) ([]account.Account, error) {
	all, _ := s.ListAccounts(ctx)
	out := make([]account.Account, 0, len(all))
	for _, a := range all {
		if a.Region == region {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) adjustCurrent(id string, delta int) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	a.Current += delta
	if a.Current < 0 {
		a.Current = 0
	}
	if a.Status != account.StatusDisabled {
		if float64(a.Current) >= a.FullThreshold() {
			a.Status = account.StatusFull
		} else {
			a.Status = account.StatusActive
		}
	}
	s.accounts[id] = a
	return a, nil
}

func (s *Store) IncrementCurrent(ctx context.Context, id string) (account.Account, error) {
	return s.adjustCurrent(id, 1)
}

func (s *Store) DecrementCurrent(ctx context.Context, id string) (account.Account, error) {
	return s.adjustCurrent(id, -1)
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status account.Status) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return account.Account{}, storage.ErrNotFound
	}
	a.Status = status
	s.accounts[id] = a
	return a, nil
}

func (s *Store) AppendCostLedger(ctx context.Context, e account.CostLedgerEntry) (account.CostLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	s.costLedger = append(s.costLedger, e)
	return e, nil
}

func (s *Store) ListCostLedger(ctx context.Context, tenantID string) ([]account.CostLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]account.CostLedgerEntry, 0)
	for _, e := range s.costLedger {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- DropletStore --------------------------------------------------------

func (s *Store) CreateDroplet(ctx context.Context, d droplet.Droplet) (droplet.Droplet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	s.droplets[d.ID] = d
	return d, nil
}

func (s *Store) GetDroplet(ctx context.Context, id string) (droplet.Droplet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.droplets[id]
	if !ok {
		return droplet.Droplet{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetDropletByTenant(ctx context.Context, tenantID string) (droplet.Droplet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.droplets {
		if d.TenantID == tenantID {
			return d, nil
		}
	}
	return droplet.Droplet{}, storage.ErrNotFound
}

func (s *Store) ListDropletsByState(ctx context.Context, state droplet.State) ([]droplet.Droplet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]droplet.Droplet, 0)
	for _, d := range s.droplets {
		if d.State == state {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAllDroplets(ctx context.Context) ([]droplet.Droplet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]droplet.Droplet, 0, len(s.droplets))
	for _, d := range s.droplets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) TransitionState(ctx context.Context, id string, newState droplet.State) (droplet.Droplet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.droplets[id]
	if !ok {
		return droplet.Droplet{}, storage.ErrNotFound
	}
	d.State = newState
	d.UpdatedAt = time.Now().UTC()
	s.droplets[id] = d
	return d, nil
}

func (s *Store) UpdateHealth(ctx context.Context, id string, hb heartbeat.Heartbeat) (droplet.Droplet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.droplets[id]
	if !ok {
		return droplet.Droplet{}, storage.ErrNotFound
	}
	d.LastHeartbeat = hb.Timestamp
	d.CPUPercent = hb.CPUPercent
	d.MemPercent = hb.MemPercent
	d.DiskPercent = hb.DiskPercent
	d.UpdatedAt = time.Now().UTC()
	s.droplets[id] = d
	return d, nil
}

func (s *Store) UpdateVersions(ctx context.Context, id string, credentialVersion, sidecarVersion, workflowVersion string) (droplet.Droplet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.droplets[id]
	if !ok {
		return droplet.Droplet{}, storage.ErrNotFound
	}
	if credentialVersion != "" {
		d.CredentialVersion = credentialVersion
	}
	if sidecarVersion != "" {
		d.SidecarVersion = sidecarVersion
	}
	if workflowVersion != "" {
		d.WorkflowVersion = workflowVersion
	}
	d.UpdatedAt = time.Now().UTC()
	s.droplets[id] = d
	return d, nil
}

func (s *Store) DeleteDroplet(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.droplets[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.droplets, id)
	return nil
}

// --- LifecycleStore --------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, e lifecycle.Event) (lifecycle.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	s.lifecycle = append(s.lifecycle, e)
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, dropletID string, limit int) ([]lifecycle.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lifecycle.Event, 0)
	for i := len(s.lifecycle) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.lifecycle[i].DropletID == dropletID {
			out = append(out, s.lifecycle[i])
		}
	}
	return out, nil
}

// --- CredentialStore --------------------------------------------------------

func (s *Store) AppendUpdate(ctx context.Context, r credential.UpdateRecord) (credential.UpdateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now().UTC()
	}
	s.credUpds = append(s.credUpds, r)
	return r, nil
}

func (s *Store) ListUpdates(ctx context.Context, dropletID string, limit int) ([]credential.UpdateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]credential.UpdateRecord, 0)
	for i := len(s.credUpds) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.credUpds[i].DropletID == dropletID {
			out = append(out, s.credUpds[i])
		}
	}
	return out, nil
}

// --- TemplateStore --------------------------------------------------------

func (s *Store) PutTemplate(ctx context.Context, t template.Template) (template.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.templates[t.Name] = append(s.templates[t.Name], t)
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, name, version string) (template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.templates[name] {
		if t.Version == version {
			return t, nil
		}
	}
	return template.Template{}, storage.ErrNotFound
}

func (s *Store) GetLatestTemplate(ctx context.Context, name string) (template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.templates[name]
	if len(versions) == 0 {
		return template.Template{}, storage.ErrNotFound
	}
	return versions[len(versions)-1], nil
}

func (s *Store) ListTemplateVersions(ctx context.Context, name string) ([]template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]template.Template, len(s.templates[name]))
	copy(out, s.templates[name])
	return out, nil
}

// --- RolloutStore --------------------------------------------------------

func (s *Store) CreateRollout(ctx context.Context, r rollout.Rollout) (rollout.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	s.rollouts[r.ID] = r
	s.waves[r.ID] = make(map[int]rollout.Wave)
	return r, nil
}

func (s *Store) UpdateRolloutStatus(ctx context.Context, id string, status rollout.Status) (rollout.Rollout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rollouts[id]
	if !ok {
		return rollout.Rollout{}, storage.ErrNotFound
	}
	r.Status = status
	s.rollouts[id] = r
	return r, nil
}

func (s *Store) GetRollout(ctx context.Context, id string) (rollout.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rollouts[id]
	if !ok {
		return rollout.Rollout{}, storage.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListRollouts(ctx context.Context, status rollout.Status) ([]rollout.Rollout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rollout.Rollout, 0)
	for _, r := range s.rollouts {
		if status == "" || r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waves[w.RolloutID]; !ok {
		s.waves[w.RolloutID] = make(map[int]rollout.Wave)
	}
	s.waves[w.RolloutID][w.Number] = w
	return w, nil
}

func (s *Store) UpdateWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error) {
	return s.CreateWave(ctx, w)
}

func (s *Store) GetWave(ctx context.Context, rolloutID string, number int) (rollout.Wave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.waves[rolloutID][number]
	if !ok {
		return rollout.Wave{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *Store) ListWaves(ctx context.Context, rolloutID string) ([]rollout.Wave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rollout.Wave, 0, len(s.waves[rolloutID]))
	for _, w := range s.waves[rolloutID] {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// --- LedgerStore --------------------------------------------------------

func (s *Store) AppendLedgerEntry(ctx context.Context, e rollout.LedgerEntry) (rollout.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	s.ledger = append(s.ledger, e)
	return e, nil
}

func (s *Store) CurrentVersion(ctx context.Context, tenantID, component string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var current string
	var at time.Time
	for _, e := range s.ledger {
		if e.TenantID == tenantID && e.Component == component && e.CreatedAt.After(at) {
			current = e.ToVersion
			at = e.CreatedAt
		}
	}
	if current == "" {
		return "", storage.ErrNotFound
	}
	return current, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, tenantID, component string) ([]rollout.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rollout.LedgerEntry, 0)
	for _, e := range s.ledger {
		if e.TenantID == tenantID && (component == "" || e.Component == component) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- JobStore / DLQStore --------------------------------------------------

func (s *Store) RecordTerminal(ctx context.Context, rec storage.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobRecords = append(s.jobRecords, rec)
	return nil
}

func (s *Store) ListRecent(ctx context.Context, queue string, limit int) ([]storage.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.JobRecord, 0)
	for i := len(s.jobRecords) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.jobRecords[i].Queue == queue {
			out = append(out, s.jobRecords[i])
		}
	}
	return out, nil
}

func (s *Store) WaveOutcome(ctx context.Context, rolloutID string, wave int) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total, failed := 0, 0
	for _, rec := range s.jobRecords {
		if rec.RolloutID != rolloutID || rec.WaveNumber != wave {
			continue
		}
		total++
		if rec.Status == string(job.StatusDeadLetter) {
			failed++
		}
	}
	return total, failed, nil
}

func (s *Store) SucceededTenants(ctx context.Context, rolloutID string, wave int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	for _, rec := range s.jobRecords {
		if rec.RolloutID == rolloutID && rec.WaveNumber == wave && rec.Status == string(job.StatusCompleted) && rec.TenantID != "" {
			out = append(out, rec.TenantID)
		}
	}
	return out, nil
}

func (s *Store) Archive(ctx context.Context, e dlq.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlqArchive = append(s.dlqArchive, e)
	return nil
}

func (s *Store) ListArchived(ctx context.Context, queue string, limit int) ([]dlq.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dlq.Entry, 0)
	for i := len(s.dlqArchive) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.dlqArchive[i].Queue == queue {
			out = append(out, s.dlqArchive[i])
		}
	}
	return out, nil
}

// --- HibernationStore --------------------------------------------------

func (s *Store) CreateWakeSchedule(ctx context.Context, w hibernation.WakeSchedule) (hibernation.WakeSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.CreatedAt = time.Now().UTC()
	s.wakes[w.ID] = w
	return w, nil
}

func (s *Store) ListDueWakeSchedules(ctx context.Context, before time.Time, limit int) ([]hibernation.WakeSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hibernation.WakeSchedule, 0)
	for _, w := range s.wakes {
		if !w.Done && !w.ScheduledAt.After(before) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkWakeScheduleDone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wakes[id]
	if !ok {
		return storage.ErrNotFound
	}
	w.Done = true
	s.wakes[id] = w
	return nil
}
