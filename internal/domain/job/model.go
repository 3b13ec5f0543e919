// Package job models the unit of work routed through the job bus: a
// typed envelope plus one payload struct per queue's variant, following
// a tagged-union shape instead of a map-of-anything.
package job

import "time"

// Status mirrors the teacher's gasbank dispatch-status constants,
// generalized from a single withdrawal flow to any queued job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exponential"
	BackoffFixed       BackoffKind = "fixed"
)

// Backoff describes the retry delay policy for a job's queue.
type Backoff struct {
	Kind   BackoffKind
	BaseMs int64
}

// Job is a unit of work routed to a named queue. Payload is one of the
// Kind-tagged structs below, carried as an interface value; callers type
// switch on Kind before touching Payload.
type Job struct {
	ID             string
	Queue          string
	Payload        Payload
	Priority       int
	Attempts       int
	MaxAttempts    int
	Backoff        Backoff
	IdempotencyKey string
	RolloutID      string
	WaveNumber     int
	Status         Status
	EnqueuedAt     time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
	// ReplayOfDLQID, when non-empty, points at the DLQ entry this job was
	// re-enqueued from (§4.2's "annotates a parent pointer to the
	// original DLQ entry").
	ReplayOfDLQID string
}

// Attempt records one execution attempt of a job, for operator debugging.
// Not required by the spec's data model but directly supported by the
// teacher's SettlementAttempt pattern and cheap to keep once jobs persist
// attempt history anyway.
type Attempt struct {
	JobID      string
	Number     int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// Kind tags which concrete payload a Job carries.
type Kind string

const (
	KindWorkflowUpdate    Kind = "workflow-update"
	KindSidecarUpdate     Kind = "sidecar-update"
	KindWakeDroplet       Kind = "wake-droplet"
	KindCredentialInject  Kind = "credential-inject"
	KindHardRebootDroplet Kind = "hard-reboot-droplet"
	KindIgnition          Kind = "ignition"
	KindTeardown          Kind = "teardown"
)

// Payload is implemented by every job payload variant.
type Payload interface {
	Kind() Kind
}

// WorkflowUpdate pushes a new workflow definition to a tenant's droplet.
type WorkflowUpdate struct {
	TenantID     string
	WorkflowName string
	WorkflowBody string
	Version      string
	RolloutID    string
	WaveNumber   int
}

func (WorkflowUpdate) Kind() Kind { return KindWorkflowUpdate }

// SidecarUpdate drives a blue-green sidecar image swap.
type SidecarUpdate struct {
	TenantID    string
	DropletID   string
	FromVersion string
	ToVersion   string
	RolloutID   string
	WaveNumber  int
}

func (SidecarUpdate) Kind() Kind { return KindSidecarUpdate }

// WakeReason enumerates why a droplet is being woken.
type WakeReason string

const (
	WakeReasonUserLogin         WakeReason = "user_login"
	WakeReasonScheduledCampaign WakeReason = "scheduled_campaign"
	WakeReasonAdminRequest      WakeReason = "admin_request"
	WakeReasonWatchdogRecovery  WakeReason = "watchdog_recovery"
)

// WakeDroplet requests the hibernation controller wake a droplet.
type WakeDroplet struct {
	TenantID  string
	DropletID string
	Reason    WakeReason
}

func (WakeDroplet) Kind() Kind { return KindWakeDroplet }

// Credential is one encrypted credential blob to inject.
type Credential struct {
	Type          string
	EncryptedBlob []byte
}

// CredentialInject pushes one or more credentials to a droplet's sidecar.
type CredentialInject struct {
	TenantID    string
	DropletID   string
	Credentials []Credential
}

func (CredentialInject) Kind() Kind { return KindCredentialInject }

// RebootReason enumerates why a hard reboot was requested.
type RebootReason string

const (
	RebootReasonHeartbeatTimeout RebootReason = "watchdog_heartbeat_timeout"
	RebootReasonAdminRequest     RebootReason = "admin_request"
	RebootReasonZombieDetected   RebootReason = "zombie_detected"
)

// HardRebootDroplet power-cycles a droplet via the cloud API.
type HardRebootDroplet struct {
	DropletID string
	TenantID  string
	Reason    RebootReason
}

func (HardRebootDroplet) Kind() Kind { return KindHardRebootDroplet }

// Ignition provisions a brand-new droplet for a tenant.
type Ignition struct {
	TenantID         string
	Slug             string
	DropletSizeTag   string
	Region           string
	Requester        string
	PriorityOverride *int
}

func (Ignition) Kind() Kind { return KindIgnition }

// Teardown decommissions a droplet.
type Teardown struct {
	TenantID  string
	DropletID string
	Reason    string
	Force     bool
}

func (Teardown) Kind() Kind { return KindTeardown }

// TenantOf extracts the owning tenant from any payload variant, for
// callers (job archiving, metrics) that need it without a type switch of
// their own.
func TenantOf(p Payload) string {
	switch v := p.(type) {
	case WorkflowUpdate:
		return v.TenantID
	case SidecarUpdate:
		return v.TenantID
	case WakeDroplet:
		return v.TenantID
	case CredentialInject:
		return v.TenantID
	case HardRebootDroplet:
		return v.TenantID
	case Ignition:
		return v.TenantID
	case Teardown:
		return v.TenantID
	default:
		return ""
	}
}
