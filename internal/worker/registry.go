// Package worker implements spec §4.2's consumer side of the job bus: a
// per-queue pull loop that claims jobs, acquires a governor slot, and
// dispatches to a registered handler. Grounded on the teacher's
// automation.Scheduler (ticker + sync.WaitGroup + context.CancelFunc,
// system.Service-compliant) and gasbank.Settlement's attempt/outcome
// recording, generalized from one hard-coded flow into a handler-per-
// job.Kind registry so business logic (provisioning, fleet updates,
// credential injection) stays out of this package entirely.
package worker

import (
	"context"
	"sync"

	"github.com/fleetctl/controlplane/internal/domain/job"
)

// Handler executes one job's payload. A non-nil return is treated as a
// failed attempt; the bus decides whether to retry or dead-letter it.
type Handler func(ctx context.Context, j *job.Job) error

// Registry maps a job.Kind to the Handler that executes it. One Registry
// is normally shared across every QueueWorker in a Runtime.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Kind]Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Kind]Handler)}
}

// Register binds kind to h, replacing any previous handler for kind.
func (r *Registry) Register(kind job.Kind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handler looks up the handler for kind.
func (r *Registry) Handler(kind job.Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}
