package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/domain/errs"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/governor"
	"github.com/fleetctl/controlplane/internal/jobbus"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

// Ensure QueueWorker implements system.Service.
var _ system.Service = (*QueueWorker)(nil)

const (
	defaultPollInterval    = 200 * time.Millisecond
	defaultPromoteInterval = time.Second
	defaultConcurrency     = 4
	defaultDenyRequeue     = 2 * time.Second
)

// AccountExtractor pulls the cloud-account identifier out of a payload, so
// the governor's per-account cap (A) can be enforced. Payloads that don't
// carry an account concept (most don't — account selection happens inside
// provisioning) can be left unextracted; Acquire treats "" as "no
// per-account check".
type AccountExtractor func(job.Payload) string

// QueueWorker pulls and dispatches jobs for a single queue. It implements
// system.Service so a Runtime (or any other orchestrator) can Start/Stop
// it alongside the rest of the control plane.
type QueueWorker struct {
	queue    string
	bus      *jobbus.Bus
	gov      *governor.Governor
	registry *Registry
	jobs     storage.JobStore
	log      *logger.Logger

	accountOf       AccountExtractor
	concurrency     int
	pollInterval    time.Duration
	promoteInterval time.Duration

	activeJobs    int64
	completedJobs int64
	failedJobs    int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	tracer  core.Tracer
}

// Stats is a snapshot of one queue's worker pool counters, consumed by
// internal/httpapi's /health report (spec.md §6.6).
type Stats struct {
	Running       bool
	ActiveJobs    int64
	CompletedJobs int64
	FailedJobs    int64
}

// Stats returns a point-in-time snapshot of this worker's counters.
func (w *QueueWorker) Stats() Stats {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return Stats{
		Running:       running,
		ActiveJobs:    atomic.LoadInt64(&w.activeJobs),
		CompletedJobs: atomic.LoadInt64(&w.completedJobs),
		FailedJobs:    atomic.LoadInt64(&w.failedJobs),
	}
}

// New builds a QueueWorker for queue. bus and gov must already be
// constructed from the same canonical queue set (internal/config).
func New(queue string, bus *jobbus.Bus, gov *governor.Governor, registry *Registry, log *logger.Logger) *QueueWorker {
	if log == nil {
		log = logger.NewDefault("worker-" + queue)
	}
	return &QueueWorker{
		queue:           queue,
		bus:             bus,
		gov:             gov,
		registry:        registry,
		log:             log,
		concurrency:     defaultConcurrency,
		pollInterval:    defaultPollInterval,
		promoteInterval: defaultPromoteInterval,
		tracer:          core.NoopTracer,
	}
}

// WithConcurrency sets how many claim loops run concurrently for this
// queue. Call before Start; it has no effect afterward.
func (w *QueueWorker) WithConcurrency(n int) *QueueWorker {
	if n > 0 {
		w.concurrency = n
	}
	return w
}

// WithAccountExtractor registers the function used to derive a payload's
// cloud-account identifier for the governor's per-account cap.
func (w *QueueWorker) WithAccountExtractor(f AccountExtractor) *QueueWorker {
	w.accountOf = f
	return w
}

// WithJobStore registers the archive that terminal outcomes are recorded
// into once a job leaves the live bus (completed or dead-lettered). This
// is how internal/fleetupdate observes wave completion without tracking
// per-job state itself.
func (w *QueueWorker) WithJobStore(store storage.JobStore) *QueueWorker {
	w.jobs = store
	return w
}

// WithTracer configures a tracer for per-job dispatch spans.
func (w *QueueWorker) WithTracer(tracer core.Tracer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tracer == nil {
		tracer = core.NoopTracer
	}
	w.tracer = tracer
}

// Name returns the service identifier.
func (w *QueueWorker) Name() string { return "worker-" + w.queue }

// Descriptor advertises the worker's architectural placement.
func (w *QueueWorker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         w.Name(),
		Domain:       "jobbus",
		Layer:        core.LayerEngine,
		Capabilities: []string{"claim", "dispatch", "retry"},
	}
}

// Start launches the promotion ticker and the claim loops.
func (w *QueueWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.promoteLoop(runCtx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.claimLoop(runCtx)
	}

	w.log.WithField("queue", w.queue).WithField("concurrency", w.concurrency).Info("worker started")
	return nil
}

// Stop cancels the claim/promote loops and waits for them to exit.
func (w *QueueWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.WithField("queue", w.queue).Info("worker stopped")
	return nil
}

func (w *QueueWorker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.bus.PromoteDelayed(ctx, w.queue); err != nil {
				w.log.WithError(err).WithField("queue", w.queue).Warn("promote delayed failed")
			}
		}
	}
}

func (w *QueueWorker) claimLoop(ctx context.Context) {
	defer w.wg.Done()
	idle := time.NewTimer(w.pollInterval)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := w.bus.Claim(ctx, w.queue)
		if err != nil {
			w.log.WithError(err).WithField("queue", w.queue).Warn("claim failed")
			j = nil
		}
		if j == nil {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(w.pollInterval)
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}

		w.dispatch(ctx, j)
	}
}

func (w *QueueWorker) dispatch(ctx context.Context, j *job.Job) {
	atomic.AddInt64(&w.activeJobs, 1)
	defer atomic.AddInt64(&w.activeJobs, -1)

	accountID := ""
	if w.accountOf != nil {
		accountID = w.accountOf(j.Payload)
	}

	lease, retryAfterMs, err := w.gov.Acquire(ctx, w.queue, j.ID, accountID)
	if err != nil {
		delay := time.Duration(retryAfterMs) * time.Millisecond
		if delay <= 0 {
			delay = defaultDenyRequeue
		}
		if rerr := w.bus.Requeue(ctx, j, delay); rerr != nil {
			w.log.WithError(rerr).WithField("job_id", j.ID).Error("requeue after governor denial failed")
		}
		return
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			w.log.WithError(rerr).WithField("job_id", j.ID).Warn("governor lease release failed")
		}
	}()

	handler, ok := w.registry.Handler(j.Payload.Kind())
	if !ok {
		w.log.WithField("job_id", j.ID).WithField("kind", string(j.Payload.Kind())).Error("no handler registered for job kind")
		w.gov.RecordFailure(w.queue)
		atomic.AddInt64(&w.failedJobs, 1)
		if _, ferr := w.bus.Fail(ctx, j, errs.New(errs.ValidationFailed, "no handler registered for job kind")); ferr != nil {
			w.log.WithError(ferr).WithField("job_id", j.ID).Error("fail (no handler) bookkeeping failed")
		}
		return
	}

	spanCtx, finishSpan := w.tracer.StartSpan(ctx, "worker.dispatch", map[string]string{
		"queue": w.queue, "job_id": j.ID, "kind": string(j.Payload.Kind()),
	})
	handleErr := handler(spanCtx, j)
	finishSpan(handleErr)

	if handleErr == nil {
		w.gov.RecordSuccess(w.queue)
		atomic.AddInt64(&w.completedJobs, 1)
		if cerr := w.bus.Complete(ctx, j); cerr != nil {
			w.log.WithError(cerr).WithField("job_id", j.ID).Error("complete bookkeeping failed")
		}
		w.recordTerminal(ctx, j, job.StatusCompleted, nil)
		return
	}

	w.gov.RecordFailure(w.queue)
	atomic.AddInt64(&w.failedJobs, 1)
	deadLettered, ferr := w.bus.Fail(ctx, j, handleErr)
	if ferr != nil {
		w.log.WithError(ferr).WithField("job_id", j.ID).Error("fail bookkeeping failed")
		return
	}
	if deadLettered {
		w.log.WithField("job_id", j.ID).WithField("queue", w.queue).WithError(handleErr).Warn("job exhausted retries")
		w.recordTerminal(ctx, j, job.StatusDeadLetter, handleErr)
	}
}

// recordTerminal archives a job's final outcome, tagged with its rollout
// and wave reference if any, so wave-health gates (internal/fleetupdate)
// can query completion independent of the job bus's own Redis working
// set. Optional: a worker with no JobStore wired simply skips archiving.
func (w *QueueWorker) recordTerminal(ctx context.Context, j *job.Job, status job.Status, cause error) {
	if w.jobs == nil {
		return
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	rec := storage.JobRecord{
		JobID: j.ID, Queue: j.Queue, Kind: string(j.Payload.Kind()), Status: string(status),
		Attempts: j.Attempts, FinishedAt: time.Now().UTC(), Error: errMsg,
		RolloutID: j.RolloutID, WaveNumber: j.WaveNumber, TenantID: job.TenantOf(j.Payload),
	}
	if err := w.jobs.RecordTerminal(ctx, rec); err != nil {
		w.log.WithError(err).WithField("job_id", j.ID).Warn("archive terminal outcome failed")
	}
}
