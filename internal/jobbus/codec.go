package jobbus

import (
	"encoding/json"
	"fmt"

	"github.com/fleetctl/controlplane/internal/domain/job"
)

// payloadEnvelope carries a job.Payload's discriminator alongside its
// json.Marshal'd body, since job.Payload is an interface and encoding/json
// can't round-trip an interface value on its own.
type payloadEnvelope struct {
	Kind job.Kind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodePayload(p job.Payload) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := payloadEnvelope{Kind: p.Kind(), Data: data}
	return json.Marshal(env)
}

func decodePayload(raw json.RawMessage) (job.Payload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}

	var p job.Payload
	switch env.Kind {
	case job.KindWorkflowUpdate:
		var v job.WorkflowUpdate
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case job.KindSidecarUpdate:
		var v job.SidecarUpdate
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case job.KindWakeDroplet:
		var v job.WakeDroplet
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case job.KindCredentialInject:
		var v job.CredentialInject
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case job.KindHardRebootDroplet:
		var v job.HardRebootDroplet
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case job.KindIgnition:
		var v job.Ignition
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case job.KindTeardown:
		var v job.Teardown
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
	return p, nil
}

// record is the wire shape of a job.Job: identical fields, but Payload
// stored as its envelope so the job survives a Redis round trip.
type record struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	BackoffKind    job.BackoffKind `json:"backoff_kind"`
	BackoffBaseMs  int64           `json:"backoff_base_ms"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RolloutID      string          `json:"rollout_id,omitempty"`
	WaveNumber     int             `json:"wave_number,omitempty"`
	Status         job.Status      `json:"status"`
	EnqueuedAtUnix int64           `json:"enqueued_at_unix_ns"`
	StartedAtUnix  int64           `json:"started_at_unix_ns,omitempty"`
	FinishedAtUnix int64           `json:"finished_at_unix_ns,omitempty"`
	ReplayOfDLQID  string          `json:"replay_of_dlq_id,omitempty"`
}

func encodeJob(j *job.Job) ([]byte, error) {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return nil, err
	}
	r := record{
		ID:             j.ID,
		Queue:          j.Queue,
		Payload:        payload,
		Priority:       j.Priority,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		BackoffKind:    j.Backoff.Kind,
		BackoffBaseMs:  j.Backoff.BaseMs,
		IdempotencyKey: j.IdempotencyKey,
		RolloutID:      j.RolloutID,
		WaveNumber:     j.WaveNumber,
		Status:         j.Status,
		EnqueuedAtUnix: j.EnqueuedAt.UnixNano(),
		StartedAtUnix:  unixNanoOrZero(j.StartedAt),
		FinishedAtUnix: unixNanoOrZero(j.FinishedAt),
		ReplayOfDLQID:  j.ReplayOfDLQID,
	}
	return json.Marshal(r)
}

func decodeJob(raw []byte) (*job.Job, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshal job record: %w", err)
	}
	payload, err := decodePayload(r.Payload)
	if err != nil {
		return nil, err
	}
	j := &job.Job{
		ID:             r.ID,
		Queue:          r.Queue,
		Payload:        payload,
		Priority:       r.Priority,
		Attempts:       r.Attempts,
		MaxAttempts:    r.MaxAttempts,
		Backoff:        job.Backoff{Kind: r.BackoffKind, BaseMs: r.BackoffBaseMs},
		IdempotencyKey: r.IdempotencyKey,
		RolloutID:      r.RolloutID,
		WaveNumber:     r.WaveNumber,
		Status:         r.Status,
		EnqueuedAt:     timeFromUnixNano(r.EnqueuedAtUnix),
		StartedAt:      timeFromUnixNano(r.StartedAtUnix),
		FinishedAt:     timeFromUnixNano(r.FinishedAtUnix),
		ReplayOfDLQID:  r.ReplayOfDLQID,
	}
	return j, nil
}
