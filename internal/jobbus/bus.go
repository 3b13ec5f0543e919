// Package jobbus implements spec §4.2's job bus: typed submission,
// per-queue priority dispatch, bounded retry with backoff, idempotent
// dedup, and dead-letter handling. Grounded on the teacher's
// domain/gasbank.Transaction (ResolverAttempt/NextAttemptAt/DeadLetter)
// generalized from one hard-coded withdrawal flow into a generic job
// envelope, backed by Redis sorted sets instead of the teacher's
// in-process map per SPEC_FULL §4.2 (the bus's durability must survive a
// control-plane restart and be visible to every instance).
package jobbus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/fleetctl/controlplane/internal/domain/dlq"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
	"github.com/fleetctl/controlplane/pkg/logger"
)

// QueueConfig carries a queue's retry/backoff/alerting defaults — spec
// §6.2's table, loaded by internal/config/queues.go. Concurrency and rate
// limiting live in governor.QueueConfig instead; the bus itself only
// cares about how a job is retried and when its DLQ should page someone.
type QueueConfig struct {
	Name              string
	DefaultPriority   int
	MaxAttempts       int
	Backoff           job.Backoff
	DLQAlertThreshold int           // T: queue DLQ size >= T pages an operator
	DLQRetention      time.Duration // default 30 days, spec §4.2
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff.Kind == "" {
		c.Backoff = job.Backoff{Kind: job.BackoffExponential, BaseMs: 1000}
	}
	if c.DLQAlertThreshold <= 0 {
		c.DLQAlertThreshold = 50
	}
	if c.DLQRetention <= 0 {
		c.DLQRetention = 30 * 24 * time.Hour
	}
	return c
}

// AddOptions overrides a queue's defaults for one submission.
type AddOptions struct {
	Priority       *int
	Delay          time.Duration
	MaxAttempts    *int
	Backoff        *job.Backoff
	IdempotencyKey string
	RolloutID      string
	WaveNumber     int
}

const idempotencyWindow = 5 * time.Minute

// Bus is the job bus's single entry point: construct one per process,
// sharing the kvstore.Store every other subsystem uses.
type Bus struct {
	kv     *kvstore.Store
	queues map[string]QueueConfig
	log    *logger.Logger
}

// New builds a Bus bound to the given canonical queue set. Add/Claim
// against a queue name absent from queues fails with VALIDATION_FAILED.
func New(kv *kvstore.Store, queues []QueueConfig, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("jobbus")
	}
	qs := make(map[string]QueueConfig, len(queues))
	for _, q := range queues {
		qs[q.Name] = q.withDefaults()
	}
	return &Bus{kv: kv, queues: qs, log: log}
}

func (b *Bus) queueConfig(queue string) (QueueConfig, error) {
	qc, ok := b.queues[queue]
	if !ok {
		return QueueConfig{}, errs.New(errs.ValidationFailed, fmt.Sprintf("jobbus: unknown queue %q", queue)).WithContext("queue", queue)
	}
	return qc, nil
}

// Add submits a job, returning its ID. If opts.IdempotencyKey was used
// within the last 5 minutes, Add returns the previously-assigned ID and
// enqueues nothing new, per spec §4.2.
func (b *Bus) Add(ctx context.Context, queue string, payload job.Payload, opts AddOptions) (string, error) {
	qc, err := b.queueConfig(queue)
	if err != nil {
		return "", err
	}

	candidateID := uuid.NewString()
	id := candidateID
	if opts.IdempotencyKey != "" {
		res, err := kvstore.RunScript(ctx, b.kv.Client(), idempotencyScript,
			[]string{idempotencyKey(opts.IdempotencyKey)}, candidateID, int64(idempotencyWindow/time.Second))
		if err != nil {
			return "", errs.Wrap(errs.DegradedDependency, "jobbus: idempotency check", err).WithContext("queue", queue)
		}
		id, _ = res.(string)
		if id != candidateID {
			return id, nil
		}
	}

	priority := qc.DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := qc.MaxAttempts
	if opts.MaxAttempts != nil {
		maxAttempts = *opts.MaxAttempts
	}
	backoff := qc.Backoff
	if opts.Backoff != nil {
		backoff = *opts.Backoff
	}

	now := time.Now()
	j := &job.Job{
		ID:             id,
		Queue:          queue,
		Payload:        payload,
		Priority:       priority,
		MaxAttempts:    maxAttempts,
		Backoff:        backoff,
		IdempotencyKey: opts.IdempotencyKey,
		RolloutID:      opts.RolloutID,
		WaveNumber:     opts.WaveNumber,
		Status:         job.StatusPending,
		EnqueuedAt:     now,
	}

	raw, err := encodeJob(j)
	if err != nil {
		return "", errs.Wrap(errs.ValidationFailed, "jobbus: encode job", err)
	}

	pipe := b.kv.Client().Pipeline()
	pipe.Set(ctx, jobKey(queue, id), raw, 0)
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, delayedKey(queue), &redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, pendingKey(queue), &redis.Z{Score: pendingScore(priority, now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.Wrap(errs.DegradedDependency, "jobbus: enqueue", err).WithContext("queue", queue)
	}

	b.log.WithField("queue", queue).WithField("job_id", id).WithField("kind", string(payload.Kind())).Info("job added")
	return id, nil
}

func pendingScore(priority int, t time.Time) float64 {
	return float64(priority)*1e15 + float64(t.UnixNano())
}

// PromoteDelayed moves every due delayed job for queue into its pending
// set. Call on a short ticker (internal/worker's pull loop) since Redis
// sorted sets don't fire their own timers.
func (b *Bus) PromoteDelayed(ctx context.Context, queue string) (int, error) {
	if _, err := b.queueConfig(queue); err != nil {
		return 0, err
	}
	res, err := kvstore.RunScript(ctx, b.kv.Client(), promoteDelayedScript,
		[]string{delayedKey(queue), pendingKey(queue)},
		time.Now().UnixMilli(), jobKeyPrefix(queue))
	if err != nil {
		return 0, errs.Wrap(errs.DegradedDependency, "jobbus: promote delayed", err).WithContext("queue", queue)
	}
	n, _ := res.(int64)
	return int(n), nil
}

// Claim pops the highest-priority ready job off queue, marking it active.
// Returns (nil, nil) when the queue is empty.
func (b *Bus) Claim(ctx context.Context, queue string) (*job.Job, error) {
	if _, err := b.queueConfig(queue); err != nil {
		return nil, err
	}

	popped, err := b.kv.Client().ZPopMin(ctx, pendingKey(queue), 1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.DegradedDependency, "jobbus: claim", err).WithContext("queue", queue)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)

	raw, err := b.kv.Client().Get(ctx, jobKey(queue, id)).Bytes()
	if err != nil {
		return nil, errs.Wrap(errs.DegradedDependency, "jobbus: load claimed job", err).WithContext("queue", queue).WithContext("job_id", id)
	}
	j, err := decodeJob(raw)
	if err != nil {
		return nil, errs.Wrap(errs.ValidationFailed, "jobbus: decode claimed job", err).WithContext("job_id", id)
	}

	j.Attempts++
	j.Status = job.StatusActive
	j.StartedAt = time.Now()

	if err := b.saveJob(ctx, j); err != nil {
		return nil, err
	}
	if err := b.kv.Client().HSet(ctx, activeKey(queue), id, j.StartedAt.UnixNano()).Err(); err != nil {
		b.log.WithError(err).WithField("job_id", id).Warn("mark active failed")
	}
	return j, nil
}

func (b *Bus) saveJob(ctx context.Context, j *job.Job) error {
	raw, err := encodeJob(j)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "jobbus: encode job", err)
	}
	if err := b.kv.Client().Set(ctx, jobKey(j.Queue, j.ID), raw, 0).Err(); err != nil {
		return errs.Wrap(errs.DegradedDependency, "jobbus: save job", err).WithContext("job_id", j.ID)
	}
	return nil
}

// Complete marks j done and removes it from the active set.
func (b *Bus) Complete(ctx context.Context, j *job.Job) error {
	j.Status = job.StatusCompleted
	j.FinishedAt = time.Now()

	pipe := b.kv.Client().Pipeline()
	pipe.Del(ctx, jobKey(j.Queue, j.ID))
	pipe.HDel(ctx, activeKey(j.Queue), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.DegradedDependency, "jobbus: complete", err).WithContext("job_id", j.ID)
	}
	b.log.WithField("queue", j.Queue).WithField("job_id", j.ID).Info("job completed")
	return nil
}

// Requeue returns a claimed job to its delayed set after delay without
// counting it as a failed attempt or touching the breaker/backoff curve.
// Use this when a claim couldn't be dispatched for a reason unrelated to
// the job itself — internal/worker calls it when the governor denies a
// slot (no capacity, rate limited, circuit open), since the job never
// actually ran and shouldn't burn one of its MaxAttempts.
func (b *Bus) Requeue(ctx context.Context, j *job.Job, delay time.Duration) error {
	j.Attempts--
	j.Status = job.StatusPending

	raw, err := encodeJob(j)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "jobbus: encode job", err)
	}
	if delay < 0 {
		delay = 0
	}
	pipe := b.kv.Client().Pipeline()
	pipe.Set(ctx, jobKey(j.Queue, j.ID), raw, 0)
	pipe.ZAdd(ctx, delayedKey(j.Queue), &redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: j.ID})
	pipe.HDel(ctx, activeKey(j.Queue), j.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.Wrap(errs.DegradedDependency, "jobbus: requeue", err).WithContext("job_id", j.ID)
	}
	return nil
}

// Fail records a failed attempt. If j has attempts remaining it is
// rescheduled per its backoff policy; otherwise it is dead-lettered.
// Returns true when the job was dead-lettered.
func (b *Bus) Fail(ctx context.Context, j *job.Job, cause error) (bool, error) {
	if j.Attempts < j.MaxAttempts {
		delay := backoffDelay(j.Backoff, j.Attempts)
		j.Status = job.StatusPending

		raw, err := encodeJob(j)
		if err != nil {
			return false, errs.Wrap(errs.ValidationFailed, "jobbus: encode job", err)
		}
		pipe := b.kv.Client().Pipeline()
		pipe.Set(ctx, jobKey(j.Queue, j.ID), raw, 0)
		pipe.ZAdd(ctx, delayedKey(j.Queue), &redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: j.ID})
		pipe.HDel(ctx, activeKey(j.Queue), j.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, errs.Wrap(errs.DegradedDependency, "jobbus: reschedule", err).WithContext("job_id", j.ID)
		}
		b.log.WithField("queue", j.Queue).WithField("job_id", j.ID).WithField("attempt", j.Attempts).
			WithField("retry_in", delay.String()).Warn("job attempt failed, rescheduled")
		return false, nil
	}

	return true, b.deadLetter(ctx, j, cause)
}

func (b *Bus) deadLetter(ctx context.Context, j *job.Job, cause error) error {
	payload, err := encodePayload(j.Payload)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "jobbus: encode dlq payload", err)
	}
	entry := dlq.Entry{
		ID:            uuid.NewString(),
		Queue:         j.Queue,
		JobID:         j.ID,
		Payload:       payload,
		FinalError:    causeMessage(cause),
		Attempts:      j.Attempts,
		ParentDLQID:   j.ReplayOfDLQID,
		CreatedAt:     time.Now(),
	}
	raw, err := encodeDLQEntry(entry)
	if err != nil {
		return errs.Wrap(errs.ValidationFailed, "jobbus: encode dlq entry", err)
	}

	pipe := b.kv.Client().Pipeline()
	pipe.Set(ctx, dlqEntryKey(j.Queue, entry.ID), raw, 0)
	pipe.ZAdd(ctx, dlqIndexKey(j.Queue), &redis.Z{Score: float64(entry.CreatedAt.UnixNano()), Member: entry.ID})
	pipe.Del(ctx, jobKey(j.Queue, j.ID))
	pipe.HDel(ctx, activeKey(j.Queue), j.ID)
	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return errs.Wrap(errs.DegradedDependency, "jobbus: dead-letter", err).WithContext("job_id", j.ID)
	}
	_ = cmds

	b.log.WithField("queue", j.Queue).WithField("job_id", j.ID).WithField("dlq_id", entry.ID).
		WithField("final_error", entry.FinalError).Error("job dead-lettered")

	qc, _ := b.queueConfig(j.Queue)
	size, err := b.kv.Client().ZCard(ctx, dlqIndexKey(j.Queue)).Result()
	if err == nil && int(size) >= qc.DLQAlertThreshold {
		b.log.WithField("queue", j.Queue).WithField("dlq_size", size).
			Error("dlq alert threshold breached, operator attention required")
	}
	return nil
}

func causeMessage(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// ListDLQ returns up to limit DLQ entries for queue, most recent first.
func (b *Bus) ListDLQ(ctx context.Context, queue string, limit int64) ([]dlq.Entry, error) {
	ids, err := b.kv.Client().ZRevRange(ctx, dlqIndexKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, errs.Wrap(errs.DegradedDependency, "jobbus: list dlq", err).WithContext("queue", queue)
	}
	entries := make([]dlq.Entry, 0, len(ids))
	for _, id := range ids {
		raw, err := b.kv.Client().Get(ctx, dlqEntryKey(queue, id)).Bytes()
		if err != nil {
			continue
		}
		entry, err := decodeDLQEntry(raw)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Replay re-enqueues a DLQ entry with attempts reset to zero, preserving
// the original payload and annotating the new job with a pointer back to
// the DLQ entry it came from. The DLQ entry is removed only once the new
// job is durably enqueued.
func (b *Bus) Replay(ctx context.Context, queue, dlqID string) (string, error) {
	qc, err := b.queueConfig(queue)
	if err != nil {
		return "", err
	}

	raw, err := b.kv.Client().Get(ctx, dlqEntryKey(queue, dlqID)).Bytes()
	if err != nil {
		return "", errs.Wrap(errs.ValidationFailed, fmt.Sprintf("jobbus: dlq entry %q not found", dlqID), err).WithContext("queue", queue)
	}
	entry, err := decodeDLQEntry(raw)
	if err != nil {
		return "", errs.Wrap(errs.ValidationFailed, "jobbus: decode dlq entry", err)
	}
	payload, err := decodePayload(entry.Payload)
	if err != nil {
		return "", errs.Wrap(errs.ValidationFailed, "jobbus: decode dlq payload", err)
	}

	newID := uuid.NewString()
	now := time.Now()
	j := &job.Job{
		ID:            newID,
		Queue:         queue,
		Payload:       payload,
		Priority:      qc.DefaultPriority,
		MaxAttempts:   qc.MaxAttempts,
		Backoff:       qc.Backoff,
		Status:        job.StatusPending,
		EnqueuedAt:    now,
		ReplayOfDLQID: dlqID,
	}
	rawJob, err := encodeJob(j)
	if err != nil {
		return "", errs.Wrap(errs.ValidationFailed, "jobbus: encode replayed job", err)
	}

	pipe := b.kv.Client().Pipeline()
	pipe.Set(ctx, jobKey(queue, newID), rawJob, 0)
	pipe.ZAdd(ctx, pendingKey(queue), &redis.Z{Score: pendingScore(qc.DefaultPriority, now), Member: newID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.Wrap(errs.DegradedDependency, "jobbus: enqueue replay", err).WithContext("queue", queue)
	}

	pipe = b.kv.Client().Pipeline()
	pipe.Del(ctx, dlqEntryKey(queue, dlqID))
	pipe.ZRem(ctx, dlqIndexKey(queue), dlqID)
	if _, err := pipe.Exec(ctx); err != nil {
		b.log.WithError(err).WithField("dlq_id", dlqID).Warn("dlq entry not removed after replay enqueue")
	}

	b.log.WithField("queue", queue).WithField("dlq_id", dlqID).WithField("new_job_id", newID).Info("dlq entry replayed")
	return newID, nil
}

func backoffDelay(b job.Backoff, attempt int) time.Duration {
	base := time.Duration(b.BaseMs) * time.Millisecond
	if b.Kind == job.BackoffFixed || attempt <= 1 {
		return base
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
