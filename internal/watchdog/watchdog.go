// Package watchdog implements spec.md §4.3's fixed-schedule health sweep:
// every period it scans non-hibernated droplets, marks unresponsive ones
// ZOMBIE and schedules a hard reboot, and logs a resource-threshold alert
// for anything running hot. Grounded on the same ticker/system.Service
// shape as internal/worker and internal/app/services/automation/scheduler.go.
package watchdog

import (
	"context"
	"sync"
	"time"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/domain/droplet"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/domain/lifecycle"
	"github.com/fleetctl/controlplane/internal/jobbus"
	"github.com/fleetctl/controlplane/internal/storage"
	"github.com/fleetctl/controlplane/pkg/logger"
)

var _ system.Service = (*Watchdog)(nil)

const (
	defaultInterval        = 60 * time.Second
	defaultHeartbeatTimeout = 5 * time.Minute
	cpuThresholdPercent     = 90
	memThresholdPercent     = 85
	diskThresholdPercent    = 90
	rebootMaxAttempts       = 3
	rebootBackoffBaseMs     = 10000
)

// Config tunes the watchdog's thresholds; zero values fall back to
// spec.md §4.3/§6.1 defaults.
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
}

// Watchdog polls droplet-health on a fixed schedule.
type Watchdog struct {
	droplets  storage.DropletStore
	lifecycle storage.LifecycleStore
	bus       *jobbus.Bus
	log       *logger.Logger

	interval         time.Duration
	heartbeatTimeout time.Duration

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	running    bool
	degraded   bool
	lastRunAt  time.Time
	errorCount int64
	lastError  string
	tracer     core.Tracer
}

// Status is a snapshot of the watchdog's run state, consumed by
// internal/httpapi's /health report (spec.md §6.6).
type Status struct {
	Running        bool
	LastRunAt      time.Time
	ErrorCount     int64
	LastError      string
	Degraded       bool
	DegradedReason string
}

// Status returns a point-in-time snapshot of the watchdog's run state.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Running:    w.running,
		LastRunAt:  w.lastRunAt,
		ErrorCount: w.errorCount,
		LastError:  w.lastError,
		Degraded:   w.degraded,
	}
	if w.degraded {
		st.DegradedReason = "queue backend unreachable during last sweep; reboot jobs may be delayed"
	}
	return st
}

// New builds a Watchdog.
func New(droplets storage.DropletStore, lifecycle storage.LifecycleStore, bus *jobbus.Bus, cfg Config, log *logger.Logger) *Watchdog {
	if log == nil {
		log = logger.NewDefault("watchdog")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = defaultHeartbeatTimeout
	}
	return &Watchdog{
		droplets: droplets, lifecycle: lifecycle, bus: bus, log: log,
		interval: interval, heartbeatTimeout: timeout, tracer: core.NoopTracer,
	}
}

func (w *Watchdog) WithTracer(tracer core.Tracer) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if tracer == nil {
		tracer = core.NoopTracer
	}
	w.tracer = tracer
}

func (w *Watchdog) Name() string { return "watchdog" }

func (w *Watchdog) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         w.Name(),
		Domain:       "fleet-health",
		Layer:        core.LayerEngine,
		Capabilities: []string{"heartbeat-scan", "zombie-detection", "alerting"},
	}
}

// Degraded reports whether the last cycle ran in fail-open mode (spec
// §4.3 step 4: the queue backend was unreachable, so no reboot job could
// be durably persisted).
func (w *Watchdog) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

func (w *Watchdog) Start(ctx context.Context) error {
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
	go w.loop(runCtx)
	w.log.WithField("interval", w.interval).Info("watchdog started")
	return nil
}

func (w *Watchdog) Stop(ctx context.Context) error {
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
	w.log.Info("watchdog stopped")
	return nil
}

func (w *Watchdog) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep implements spec.md §4.3's watchdog steps 1-4.
func (w *Watchdog) sweep(ctx context.Context) {
	all, err := w.droplets.ListAllDroplets(ctx)
	if err != nil {
		w.log.WithError(err).Error("watchdog: list droplets failed")
		w.mu.Lock()
		w.errorCount++
		w.lastError = err.Error()
		w.lastRunAt = time.Now().UTC()
		w.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	anyQueueFailure := false

	for _, d := range all {
		if d.State == droplet.StateHibernating || d.State == droplet.StateHibernated {
			continue
		}

		if !d.LastHeartbeat.IsZero() && now.Sub(d.LastHeartbeat) > w.heartbeatTimeout {
			if w.markZombieAndReboot(ctx, d) {
				anyQueueFailure = true
			}
			continue
		}

		if d.CPUPercent > cpuThresholdPercent || d.MemPercent > memThresholdPercent || d.DiskPercent > diskThresholdPercent {
			w.log.WithField("droplet_id", d.ID).WithField("tenant_id", d.TenantID).
				WithField("cpu_percent", d.CPUPercent).WithField("mem_percent", d.MemPercent).
				WithField("disk_percent", d.DiskPercent).Warn("watchdog: resource threshold breach alert")
		}
	}

	w.mu.Lock()
	w.degraded = anyQueueFailure
	w.lastRunAt = now
	w.mu.Unlock()
}

// markZombieAndReboot journals the ZOMBIE transition and emits a
// hard-reboot-droplet job. If the job bus itself can't be reached, the
// cycle fails open (spec §4.3 step 4): it still marks the droplet ZOMBIE
// (a store write, independent of the queue backend) but logs a critical
// message instead of silently dropping the reboot, and reports true so
// the caller can flag the cycle degraded.
func (w *Watchdog) markZombieAndReboot(ctx context.Context, d droplet.Droplet) bool {
	log := w.log.WithField("droplet_id", d.ID).WithField("tenant_id", d.TenantID)

	if !droplet.Legal(d.State, droplet.StateZombie) {
		log.WithField("from_state", d.State).Warn("watchdog: illegal zombie transition, skipping")
		return false
	}

	if _, err := w.lifecycle.AppendEvent(ctx, lifecycle.Event{
		DropletID:  d.ID,
		FromState:  string(d.State),
		ToState:    string(droplet.StateZombie),
		Reason:     "watchdog_heartbeat_timeout",
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Error("watchdog: journal zombie transition failed")
		return false
	}

	if _, err := w.droplets.TransitionState(ctx, d.ID, droplet.StateZombie); err != nil {
		log.WithError(err).Error("watchdog: persist zombie transition failed")
		return false
	}

	_, err := w.bus.Add(ctx, "reboot", job.HardRebootDroplet{
		DropletID: d.ID,
		TenantID:  d.TenantID,
		Reason:    job.RebootReasonHeartbeatTimeout,
	}, jobbus.AddOptions{
		MaxAttempts: intPtr(rebootMaxAttempts),
		Backoff:     &job.Backoff{Kind: job.BackoffExponential, BaseMs: rebootBackoffBaseMs},
	})
	if err != nil {
		log.WithError(err).Error("watchdog: CRITICAL reboot job could not be queued, manual intervention required")
		return true
	}
	return false
}

func intPtr(n int) *int { return &n }
