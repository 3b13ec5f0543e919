package worker

import (
	"context"
	"sync"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/pkg/logger"
)

// Ensure Runtime implements system.Service.
var _ system.Service = (*Runtime)(nil)

// Runtime aggregates one QueueWorker per queue so the process can
// Start/Stop the whole job-bus consumer side as a single system.Service,
// the way automation.Scheduler and gasbank.Settlement each stand alone
// as one service in the teacher's orchestration list.
type Runtime struct {
	workers []*QueueWorker
	log     *logger.Logger
}

// NewRuntime builds a Runtime over the given workers.
func NewRuntime(log *logger.Logger, workers ...*QueueWorker) *Runtime {
	if log == nil {
		log = logger.NewDefault("worker-runtime")
	}
	return &Runtime{workers: workers, log: log}
}

// Name returns the service identifier.
func (r *Runtime) Name() string { return "worker-runtime" }

// Descriptor advertises the runtime's architectural placement.
func (r *Runtime) Descriptor() core.Descriptor {
	caps := make([]string, 0, len(r.workers))
	for _, w := range r.workers {
		caps = append(caps, w.queue)
	}
	return core.Descriptor{
		Name:         r.Name(),
		Domain:       "jobbus",
		Layer:        core.LayerEngine,
		Capabilities: caps,
	}
}

// WithTracer propagates tracer to every underlying worker.
func (r *Runtime) WithTracer(tracer core.Tracer) {
	for _, w := range r.workers {
		w.WithTracer(tracer)
	}
}

// Start starts every queue worker. If any fails to start, the ones
// already started are stopped before returning the error.
func (r *Runtime) Start(ctx context.Context) error {
	started := make([]*QueueWorker, 0, len(r.workers))
	for _, w := range r.workers {
		if err := w.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return err
		}
		started = append(started, w)
	}
	r.log.WithField("queues", len(r.workers)).Info("worker runtime started")
	return nil
}

// Stop stops every queue worker concurrently, returning the first error
// encountered (after waiting for all to finish).
func (r *Runtime) Stop(ctx context.Context) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, w := range r.workers {
		wg.Add(1)
		go func(w *QueueWorker) {
			defer wg.Done()
			if err := w.Stop(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	r.log.Info("worker runtime stopped")
	return firstErr
}
