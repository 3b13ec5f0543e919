// Package postgres implements every internal/storage interface against
// PostgreSQL, grounded on internal/app/storage/postgres/store.go's single
// *Store-wraps-a-handle shape. Unlike the teacher's hand-rolled
// database/sql calls, queries here go through jmoiron/sqlx for named
// parameters and struct scanning (spec §6.7), since the subset of the
// teacher's source kept in this pack already lists sqlx as a dependency
// but never exercises it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/fleetctl/controlplane/internal/domain/account"
	"github.com/fleetctl/controlplane/internal/domain/credential"
	"github.com/fleetctl/controlplane/internal/domain/dlq"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/heartbeat"
	"github.com/fleetctl/controlplane/internal/domain/hibernation"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/domain/rollout"
	"github.com/fleetctl/controlplane/internal/domain/template"
	"github.com/fleetctl/controlplane/internal/domain/tenant"
	"github.com/fleetctl/controlplane/internal/storage"
)

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

// Store implements every storage interface backed by the genesis schema.
type Store struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// NewFromSQLDB adapts a *sql.DB opened by internal/platform/database into
// the sqlx.DB this store needs, without requiring every caller to import
// sqlx directly.
func NewFromSQLDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// --- TenantStore -----------------------------------------------------------

func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant) (tenant.Tenant, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.tenants (
			id, slug, region, tier, created_at,
			account_active, manual_hold, last_campaign_at, last_workflow_execution_at, last_dashboard_login_at,
			next_scheduled_campaign_at
		)
		VALUES (
			:id, :slug, :region, :tier, :created_at,
			:account_active, :manual_hold, :last_campaign_at, :last_workflow_execution_at, :last_dashboard_login_at,
			:next_scheduled_campaign_at
		)
	`, t)
	if err != nil {
		return tenant.Tenant{}, err
	}
	return t, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	var t tenant.Tenant
	err := s.db.GetContext(ctx, &t, `
		SELECT id, slug, region, tier, created_at,
			account_active, manual_hold, last_campaign_at, last_workflow_execution_at, last_dashboard_login_at,
			next_scheduled_campaign_at
		FROM genesis.tenants WHERE id = $1
	`, id)
	if err != nil {
		return tenant.Tenant{}, mapErr(err)
	}
	return t, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	var out []tenant.Tenant
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, slug, region, tier, created_at,
			account_active, manual_hold, last_campaign_at, last_workflow_execution_at, last_dashboard_login_at,
			next_scheduled_campaign_at
		FROM genesis.tenants ORDER BY created_at
	`)
	return out, err
}

// --- AccountStore ------------------------------------------------------------

func (s *Store) CreateAccount(ctx context.Context, a account.Account) (account.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	if a.Status == "" {
		a.Status = account.StatusActive
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.accounts (id, region, encrypted_token, cap, current, status, created_at)
		VALUES (:id, :region, :encryptedtoken, :cap, :current, :status, :created_at)
	`, map[string]interface{}{
		"id": a.ID, "region": a.Region, "encryptedtoken": a.EncryptedToken,
		"cap": a.Cap, "current": a.Current, "status": a.Status, "created_at": a.CreatedAt,
	})
	if err != nil {
		return account.Account{}, err
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (account.Account, error) {
	var a account.Account
	err := s.db.GetContext(ctx, &a, `
		SELECT id, region, encrypted_token AS "encryptedtoken", cap, current, status, created_at
		FROM genesis.accounts WHERE id = $1
	`, id)
	if err != nil {
		return account.Account{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]account.Account, error) {
	var out []account.Account
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, region, encrypted_token AS "encryptedtoken", cap, current, status, created_at
		FROM genesis.accounts ORDER BY created_at
	`)
	return out, err
}

func (s *Store) ListAccountsByRegion(ctx context.Context, region string) ([]account.Account, error) {
	var out []account.Account
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, region, encrypted_token AS "encryptedtoken", cap, current, status, created_at
		FROM genesis.accounts WHERE region = $1 ORDER BY created_at
	`, region)
	return out, err
}

// adjustCurrent mutates Current by delta and flips Status across
// FullThreshold in a single statement, the stored-procedure-style entry
// point spec §6.7 asks for.
func (s *Store) adjustCurrent(ctx context.Context, id string, delta int) (account.Account, error) {
	var a account.Account
	err := s.db.GetContext(ctx, &a, `
		UPDATE genesis.accounts
		SET current = GREATEST(current + $2, 0),
		    status = CASE
		        WHEN status = 'disabled' THEN status
		        WHEN GREATEST(current + $2, 0) >= 0.95 * cap THEN 'full'
		        ELSE 'active'
		    END
		WHERE id = $1
		RETURNING id, region, encrypted_token AS "encryptedtoken", cap, current, status, created_at
	`, id, delta)
	if err != nil {
		return account.Account{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) IncrementCurrent(ctx context.Context, id string) (account.Account, error) {
	return s.adjustCurrent(ctx, id, 1)
}

func (s *Store) DecrementCurrent(ctx context.Context, id string) (account.Account, error) {
	return s.adjustCurrent(ctx, id, -1)
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status account.Status) (account.Account, error) {
	var a account.Account
	err := s.db.GetContext(ctx, &a, `
		UPDATE genesis.accounts SET status = $2 WHERE id = $1
		RETURNING id, region, encrypted_token AS "encryptedtoken", cap, current, status, created_at
	`, id, status)
	if err != nil {
		return account.Account{}, mapErr(err)
	}
	return a, nil
}

func (s *Store) AppendCostLedger(ctx context.Context, e account.CostLedgerEntry) (account.CostLedgerEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.cost_ledger (id, tenant_id, droplet_id, event, note, created_at)
		VALUES (:id, :tenantid, :dropletid, :event, :note, :created_at)
	`, map[string]interface{}{
		"id": e.ID, "tenantid": e.TenantID, "dropletid": e.DropletID,
		"event": e.Event, "note": e.Note, "created_at": e.CreatedAt,
	})
	if err != nil {
		return account.CostLedgerEntry{}, err
	}
	return e, nil
}

func (s *Store) ListCostLedger(ctx context.Context, tenantID string) ([]account.CostLedgerEntry, error) {
	var out []account.CostLedgerEntry
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, tenant_id AS "tenantid", droplet_id AS "dropletid", event, note, created_at
		FROM genesis.cost_ledger WHERE tenant_id = $1 ORDER BY created_at
	`, tenantID)
	return out, err
}

// --- DropletStore --------------------------------------------------------

const dropletColumns = `
	id, tenant_id AS "tenantid", account_id AS "accountid", cloud_vm_id AS "cloudvmid", region, size_tag AS "sizetag",
	public_ipv4 AS "publicipv4", public_dns AS "publicdns", state,
	last_heartbeat AS "lastheartbeat", cpu_percent AS "cpupercent",
	mem_percent AS "mempercent", disk_percent AS "diskpercent",
	credential_version AS "credentialversion", sidecar_version AS "sidecarversion",
	workflow_version AS "workflowversion", created_at, updated_at
`

func (s *Store) CreateDroplet(ctx context.Context, d droplet.Droplet) (droplet.Droplet, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.droplet_health (
			id, tenant_id, account_id, cloud_vm_id, region, size_tag, public_ipv4, public_dns, state,
			last_heartbeat, cpu_percent, mem_percent, disk_percent,
			credential_version, sidecar_version, workflow_version, created_at, updated_at
		) VALUES (
			:id, :tenantid, :accountid, :cloudvmid, :region, :sizetag, :publicipv4, :publicdns, :state,
			:lastheartbeat, :cpupercent, :mempercent, :diskpercent,
			:credentialversion, :sidecarversion, :workflowversion, :created_at, :updated_at
		)
	`, map[string]interface{}{
		"id": d.ID, "tenantid": d.TenantID, "accountid": d.AccountID, "cloudvmid": d.CloudVMID, "region": d.Region,
		"sizetag": d.SizeTag, "publicipv4": d.PublicIPv4, "publicdns": d.PublicDNS, "state": d.State,
		"lastheartbeat": d.LastHeartbeat, "cpupercent": d.CPUPercent, "mempercent": d.MemPercent,
		"diskpercent": d.DiskPercent, "credentialversion": d.CredentialVersion,
		"sidecarversion": d.SidecarVersion, "workflowversion": d.WorkflowVersion,
		"created_at": d.CreatedAt, "updated_at": d.UpdatedAt,
	})
	if err != nil {
		return droplet.Droplet{}, err
	}
	return d, nil
}

func (s *Store) GetDroplet(ctx context.Context, id string) (droplet.Droplet, error) {
	var d droplet.Droplet
	err := s.db.GetContext(ctx, &d, `SELECT `+dropletColumns+` FROM genesis.droplet_health WHERE id = $1`, id)
	if err != nil {
		return droplet.Droplet{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) GetDropletByTenant(ctx context.Context, tenantID string) (droplet.Droplet, error) {
	var d droplet.Droplet
	err := s.db.GetContext(ctx, &d, `SELECT `+dropletColumns+` FROM genesis.droplet_health WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return droplet.Droplet{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) ListDropletsByState(ctx context.Context, state droplet.State) ([]droplet.Droplet, error) {
	var out []droplet.Droplet
	err := s.db.SelectContext(ctx, &out, `SELECT `+dropletColumns+` FROM genesis.droplet_health WHERE state = $1 ORDER BY id`, state)
	return out, err
}

func (s *Store) ListAllDroplets(ctx context.Context) ([]droplet.Droplet, error) {
	var out []droplet.Droplet
	err := s.db.SelectContext(ctx, &out, `SELECT `+dropletColumns+` FROM genesis.droplet_health ORDER BY id`)
	return out, err
}

func (s *Store) TransitionState(ctx context.Context, id string, newState droplet.State) (droplet.Droplet, error) {
	var d droplet.Droplet
	err := s.db.GetContext(ctx, &d, `
		UPDATE genesis.droplet_health SET state = $2, updated_at = now() WHERE id = $1
		RETURNING `+dropletColumns, id, newState)
	if err != nil {
		return droplet.Droplet{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) UpdateHealth(ctx context.Context, id string, hb heartbeat.Heartbeat) (droplet.Droplet, error) {
	var d droplet.Droplet
	err := s.db.GetContext(ctx, &d, `
		UPDATE genesis.droplet_health
		SET last_heartbeat = $2, cpu_percent = $3, mem_percent = $4, disk_percent = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+dropletColumns, id, hb.Timestamp, hb.CPUPercent, hb.MemPercent, hb.DiskPercent)
	if err != nil {
		return droplet.Droplet{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) UpdateVersions(ctx context.Context, id string, credentialVersion, sidecarVersion, workflowVersion string) (droplet.Droplet, error) {
	var d droplet.Droplet
	err := s.db.GetContext(ctx, &d, `
		UPDATE genesis.droplet_health
		SET credential_version = COALESCE(NULLIF($2, ''), credential_version),
		    sidecar_version = COALESCE(NULLIF($3, ''), sidecar_version),
		    workflow_version = COALESCE(NULLIF($4, ''), workflow_version),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+dropletColumns, id, credentialVersion, sidecarVersion, workflowVersion)
	if err != nil {
		return droplet.Droplet{}, mapErr(err)
	}
	return d, nil
}

func (s *Store) DeleteDroplet(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM genesis.droplet_health WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- LifecycleStore --------------------------------------------------------

func (s *Store) AppendEvent(ctx context.Context, e lifecycle.Event) (lifecycle.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.lifecycle_log (id, droplet_id, from_state, to_state, reason, actor, metadata, occurred_at)
		VALUES (:id, :dropletid, :fromstate, :tostate, :reason, :actor, :metadata, :occurred_at)
	`, map[string]interface{}{
		"id": e.ID, "dropletid": e.DropletID, "fromstate": e.FromState, "tostate": e.ToState,
		"reason": e.Reason, "actor": e.Actor, "metadata": metadataJSON(e.Metadata), "occurred_at": e.OccurredAt,
	})
	if err != nil {
		return lifecycle.Event{}, err
	}
	return e, nil
}

func (s *Store) ListEvents(ctx context.Context, dropletID string, limit int) ([]lifecycle.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, droplet_id, from_state, to_state, reason, actor, metadata, occurred_at
		FROM genesis.lifecycle_log WHERE droplet_id = $1 ORDER BY occurred_at DESC LIMIT $2
	`, dropletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lifecycle.Event
	for rows.Next() {
		var (
			e    lifecycle.Event
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.DropletID, &e.FromState, &e.ToState, &e.Reason, &e.Actor, &meta, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Metadata = decodeMetadata(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- CredentialStore --------------------------------------------------------

func (s *Store) AppendUpdate(ctx context.Context, r credential.UpdateRecord) (credential.UpdateRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.credential_updates (id, tenant_id, droplet_id, credential_type, occurred_at)
		VALUES (:id, :tenantid, :dropletid, :type, :occurred_at)
	`, map[string]interface{}{
		"id": r.ID, "tenantid": r.TenantID, "dropletid": r.DropletID, "type": r.Type, "occurred_at": r.OccurredAt,
	})
	if err != nil {
		return credential.UpdateRecord{}, err
	}
	return r, nil
}

func (s *Store) ListUpdates(ctx context.Context, dropletID string, limit int) ([]credential.UpdateRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []credential.UpdateRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, tenant_id AS "tenantid", droplet_id AS "dropletid", credential_type AS "type", occurred_at
		FROM genesis.credential_updates WHERE droplet_id = $1 ORDER BY occurred_at DESC LIMIT $2
	`, dropletID, limit)
	return out, err
}

// --- TemplateStore --------------------------------------------------------

func (s *Store) PutTemplate(ctx context.Context, t template.Template) (template.Template, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.templates (name, version, body, created_at)
		VALUES (:name, :version, :body, :created_at)
		ON CONFLICT (name, version) DO UPDATE SET body = EXCLUDED.body
	`, t)
	if err != nil {
		return template.Template{}, err
	}
	return t, nil
}

func (s *Store) GetTemplate(ctx context.Context, name, version string) (template.Template, error) {
	var t template.Template
	err := s.db.GetContext(ctx, &t, `
		SELECT name, version, body, created_at FROM genesis.templates WHERE name = $1 AND version = $2
	`, name, version)
	if err != nil {
		return template.Template{}, mapErr(err)
	}
	return t, nil
}

func (s *Store) GetLatestTemplate(ctx context.Context, name string) (template.Template, error) {
	var t template.Template
	err := s.db.GetContext(ctx, &t, `
		SELECT name, version, body, created_at FROM genesis.templates
		WHERE name = $1 ORDER BY created_at DESC LIMIT 1
	`, name)
	if err != nil {
		return template.Template{}, mapErr(err)
	}
	return t, nil
}

func (s *Store) ListTemplateVersions(ctx context.Context, name string) ([]template.Template, error) {
	var out []template.Template
	err := s.db.SelectContext(ctx, &out, `
		SELECT name, version, body, created_at FROM genesis.templates WHERE name = $1 ORDER BY created_at
	`, name)
	return out, err
}

// --- RolloutStore --------------------------------------------------------

func (s *Store) CreateRollout(ctx context.Context, r rollout.Rollout) (rollout.Rollout, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.rollouts (id, component, from_version, to_version, strategy, status, total_tenants, creator, created_at)
		VALUES (:id, :component, :fromversion, :toversion, :strategy, :status, :totaltenants, :creator, :created_at)
	`, map[string]interface{}{
		"id": r.ID, "component": r.Component, "fromversion": r.FromVersion, "toversion": r.ToVersion,
		"strategy": r.Strategy, "status": r.Status, "totaltenants": r.TotalTenants,
		"creator": r.Creator, "created_at": r.CreatedAt,
	})
	if err != nil {
		return rollout.Rollout{}, err
	}
	return r, nil
}

func (s *Store) UpdateRolloutStatus(ctx context.Context, id string, status rollout.Status) (rollout.Rollout, error) {
	var r rollout.Rollout
	err := s.db.GetContext(ctx, &r, `
		UPDATE genesis.rollouts SET status = $2 WHERE id = $1
		RETURNING id, component, from_version AS "fromversion", to_version AS "toversion",
		          strategy, status, total_tenants AS "totaltenants", creator, created_at
	`, id, status)
	if err != nil {
		return rollout.Rollout{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) GetRollout(ctx context.Context, id string) (rollout.Rollout, error) {
	var r rollout.Rollout
	err := s.db.GetContext(ctx, &r, `
		SELECT id, component, from_version AS "fromversion", to_version AS "toversion",
		       strategy, status, total_tenants AS "totaltenants", creator, created_at
		FROM genesis.rollouts WHERE id = $1
	`, id)
	if err != nil {
		return rollout.Rollout{}, mapErr(err)
	}
	return r, nil
}

func (s *Store) ListRollouts(ctx context.Context, status rollout.Status) ([]rollout.Rollout, error) {
	var out []rollout.Rollout
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, component, from_version AS "fromversion", to_version AS "toversion",
			       strategy, status, total_tenants AS "totaltenants", creator, created_at
			FROM genesis.rollouts ORDER BY created_at
		`)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, component, from_version AS "fromversion", to_version AS "toversion",
			       strategy, status, total_tenants AS "totaltenants", creator, created_at
			FROM genesis.rollouts WHERE status = $1 ORDER BY created_at
		`, status)
	}
	return out, err
}

func (s *Store) upsertWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error) {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.waves (rollout_id, number, membership, status, error_rate, started_at, completed_at)
		VALUES (:rolloutid, :number, :membership, :status, :errorrate, :started_at, :completed_at)
		ON CONFLICT (rollout_id, number) DO UPDATE SET
			membership = EXCLUDED.membership, status = EXCLUDED.status,
			error_rate = EXCLUDED.error_rate, started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`, map[string]interface{}{
		"rolloutid": w.RolloutID, "number": w.Number, "membership": pqStringArray(w.Membership),
		"status": w.Status, "errorrate": w.ErrorRate, "started_at": w.StartedAt, "completed_at": w.CompletedAt,
	})
	if err != nil {
		return rollout.Wave{}, err
	}
	return w, nil
}

func (s *Store) CreateWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error) { return s.upsertWave(ctx, w) }
func (s *Store) UpdateWave(ctx context.Context, w rollout.Wave) (rollout.Wave, error) { return s.upsertWave(ctx, w) }

func (s *Store) GetWave(ctx context.Context, rolloutID string, number int) (rollout.Wave, error) {
	var row waveRow
	err := s.db.GetContext(ctx, &row, `
		SELECT rollout_id AS "rolloutid", number, membership, status, error_rate AS "errorrate", started_at, completed_at
		FROM genesis.waves WHERE rollout_id = $1 AND number = $2
	`, rolloutID, number)
	if err != nil {
		return rollout.Wave{}, mapErr(err)
	}
	return row.toWave(), nil
}

func (s *Store) ListWaves(ctx context.Context, rolloutID string) ([]rollout.Wave, error) {
	var rows []waveRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT rollout_id AS "rolloutid", number, membership, status, error_rate AS "errorrate", started_at, completed_at
		FROM genesis.waves WHERE rollout_id = $1 ORDER BY number
	`, rolloutID)
	if err != nil {
		return nil, err
	}
	out := make([]rollout.Wave, len(rows))
	for i, r := range rows {
		out[i] = r.toWave()
	}
	return out, nil
}

// waveRow matches genesis.waves' membership column (text[]) to a Go
// slice via pq.Array, since rollout.Wave embeds a plain []string.
type waveRow struct {
	RolloutID   string         `db:"rolloutid"`
	Number      int            `db:"number"`
	Membership  pqTextArray    `db:"membership"`
	Status      rollout.WaveStatus `db:"status"`
	ErrorRate   float64        `db:"errorrate"`
	StartedAt   time.Time      `db:"started_at"`
	CompletedAt time.Time      `db:"completed_at"`
}

func (r waveRow) toWave() rollout.Wave {
	return rollout.Wave{
		RolloutID: r.RolloutID, Number: r.Number, Membership: []string(r.Membership),
		Status: r.Status, ErrorRate: r.ErrorRate, StartedAt: r.StartedAt, CompletedAt: r.CompletedAt,
	}
}

// --- LedgerStore --------------------------------------------------------

func (s *Store) AppendLedgerEntry(ctx context.Context, e rollout.LedgerEntry) (rollout.LedgerEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return rollout.LedgerEntry{}, err
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO genesis.version_ledger (id, tenant_id, component, from_version, to_version, rollout_id, created_at)
		VALUES (:id, :tenantid, :component, :fromversion, :toversion, :rolloutid, :created_at)
	`, map[string]interface{}{
		"id": e.ID, "tenantid": e.TenantID, "component": e.Component, "fromversion": e.FromVersion,
		"toversion": e.ToVersion, "rolloutid": e.RolloutID, "created_at": e.CreatedAt,
	}); err != nil {
		return rollout.LedgerEntry{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO genesis.tenant_versions (tenant_id, component, current_version, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, component) DO UPDATE SET current_version = EXCLUDED.current_version, updated_at = EXCLUDED.updated_at
	`, e.TenantID, e.Component, e.ToVersion, e.CreatedAt); err != nil {
		return rollout.LedgerEntry{}, err
	}

	if err := tx.Commit(); err != nil {
		return rollout.LedgerEntry{}, err
	}
	return e, nil
}

func (s *Store) CurrentVersion(ctx context.Context, tenantID, component string) (string, error) {
	var version string
	err := s.db.GetContext(ctx, &version, `
		SELECT current_version FROM genesis.tenant_versions WHERE tenant_id = $1 AND component = $2
	`, tenantID, component)
	if err != nil {
		return "", mapErr(err)
	}
	return version, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, tenantID, component string) ([]rollout.LedgerEntry, error) {
	var out []rollout.LedgerEntry
	var err error
	if component == "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, tenant_id AS "tenantid", component, from_version AS "fromversion",
			       to_version AS "toversion", rollout_id AS "rolloutid", created_at
			FROM genesis.version_ledger WHERE tenant_id = $1 ORDER BY created_at
		`, tenantID)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT id, tenant_id AS "tenantid", component, from_version AS "fromversion",
			       to_version AS "toversion", rollout_id AS "rolloutid", created_at
			FROM genesis.version_ledger WHERE tenant_id = $1 AND component = $2 ORDER BY created_at
		`, tenantID, component)
	}
	return out, err
}

// --- JobStore / DLQStore --------------------------------------------------

func (s *Store) RecordTerminal(ctx context.Context, rec storage.JobRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.jobs_archive (job_id, queue, kind, status, attempts, finished_at, error, rollout_id, wave_number, tenant_id)
		VALUES (:jobid, :queue, :kind, :status, :attempts, :finishedat, :error, :rolloutid, :wavenumber, :tenantid)
	`, map[string]interface{}{
		"jobid": rec.JobID, "queue": rec.Queue, "kind": rec.Kind, "status": rec.Status,
		"attempts": rec.Attempts, "finishedat": rec.FinishedAt, "error": rec.Error,
		"rolloutid": rec.RolloutID, "wavenumber": rec.WaveNumber, "tenantid": rec.TenantID,
	})
	return err
}

func (s *Store) ListRecent(ctx context.Context, queue string, limit int) ([]storage.JobRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []storage.JobRecord
	err := s.db.SelectContext(ctx, &out, `
		SELECT job_id AS "jobid", queue, kind, status, attempts, finished_at AS "finishedat", error,
		       rollout_id AS "rolloutid", wave_number AS "wavenumber", tenant_id AS "tenantid"
		FROM genesis.jobs_archive WHERE queue = $1 ORDER BY finished_at DESC LIMIT $2
	`, queue, limit)
	return out, err
}

func (s *Store) WaveOutcome(ctx context.Context, rolloutID string, wave int) (int, int, error) {
	var row struct {
		Total  int `db:"total"`
		Failed int `db:"failed"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT count(*) AS total, count(*) FILTER (WHERE status = 'dead_letter') AS failed
		FROM genesis.jobs_archive WHERE rollout_id = $1 AND wave_number = $2
	`, rolloutID, wave)
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Failed, nil
}

func (s *Store) SucceededTenants(ctx context.Context, rolloutID string, wave int) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out, `
		SELECT tenant_id FROM genesis.jobs_archive
		WHERE rollout_id = $1 AND wave_number = $2 AND status = 'completed' AND tenant_id != ''
	`, rolloutID, wave)
	return out, err
}

func (s *Store) Archive(ctx context.Context, e dlq.Entry) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.dlq_archive (id, queue, job_id, payload, final_error, attempts, parent_dlq_id, created_at)
		VALUES (:id, :queue, :jobid, :payload, :finalerror, :attempts, :parentdlqid, :created_at)
	`, map[string]interface{}{
		"id": e.ID, "queue": e.Queue, "jobid": e.JobID, "payload": e.Payload,
		"finalerror": e.FinalError, "attempts": e.Attempts, "parentdlqid": e.ParentDLQID, "created_at": e.CreatedAt,
	})
	return err
}

func (s *Store) ListArchived(ctx context.Context, queue string, limit int) ([]dlq.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []dlq.Entry
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, queue, job_id AS "jobid", payload, final_error AS "finalerror",
		       attempts, parent_dlq_id AS "parentdlqid", created_at
		FROM genesis.dlq_archive WHERE queue = $1 ORDER BY created_at DESC LIMIT $2
	`, queue, limit)
	return out, err
}

// --- HibernationStore --------------------------------------------------

func (s *Store) CreateWakeSchedule(ctx context.Context, w hibernation.WakeSchedule) (hibernation.WakeSchedule, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	w.CreatedAt = time.Now().UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO genesis.wake_schedules (id, tenant_id, droplet_id, reason, scheduled_at, done, created_at)
		VALUES (:id, :tenantid, :dropletid, :reason, :scheduledat, :done, :created_at)
	`, map[string]interface{}{
		"id": w.ID, "tenantid": w.TenantID, "dropletid": w.DropletID, "reason": w.Reason,
		"scheduledat": w.ScheduledAt, "done": w.Done, "created_at": w.CreatedAt,
	})
	return w, err
}

func (s *Store) ListDueWakeSchedules(ctx context.Context, before time.Time, limit int) ([]hibernation.WakeSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []hibernation.WakeSchedule
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, tenant_id AS "tenantid", droplet_id AS "dropletid", reason,
		       scheduled_at AS "scheduledat", done, created_at
		FROM genesis.wake_schedules
		WHERE done = false AND scheduled_at <= $1
		ORDER BY scheduled_at ASC LIMIT $2
	`, before, limit)
	return out, err
}

func (s *Store) MarkWakeScheduleDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE genesis.wake_schedules SET done = true WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
