// Package httpapi exposes the control plane's operational HTTP surface:
// /health, /metrics, and /readyz. Grounded on
// internal/app/httpapi/service.go's system.Service-conforming *http.Server
// wrapper and its chi router, trimmed down to the three operational
// endpoints spec.md §6.6 requires — no auth/audit/CORS middleware chain,
// since this control plane exposes no tenant-facing HTTP surface.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/heartbeat"
	"github.com/fleetctl/controlplane/internal/metrics"
	"github.com/fleetctl/controlplane/internal/scalealerts"
	"github.com/fleetctl/controlplane/internal/watchdog"
	"github.com/fleetctl/controlplane/internal/worker"
	"github.com/fleetctl/controlplane/pkg/logger"
	"github.com/fleetctl/controlplane/pkg/version"
)

var _ system.Service = (*Service)(nil)

// Version is the build-time version string stamped into pkg/version by
// -ldflags, reported verbatim in the /health response.
var Version = version.Version

// Ready reports whether the process has established the connectivity
// /readyz requires (storage and queue backend). It is a function rather
// than a bool so it can be wired to whatever readiness source the
// runtime assembles last (e.g. a DB ping), without httpapi importing
// storage/kvstore directly.
type Ready func() error

// Deps bundles the services whose run-state feeds /health.
type Deps struct {
	Watchdog     *watchdog.Watchdog
	ScaleAlerts  *scalealerts.Sampler
	Heartbeat    *heartbeat.Processor
	Workers      map[string]*worker.QueueWorker // keyed by queue name
	Ready        Ready
	StartedAt    time.Time
}

// Service serves the control plane's operational HTTP surface.
type Service struct {
	addr string
	deps Deps
	log  *logger.Logger

	server *http.Server

	mu      sync.Mutex
	running bool
	tracer  core.Tracer
}

// New builds a Service bound to addr (e.g. ":9090").
func New(addr string, deps Deps, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now().UTC()
	}
	return &Service{addr: addr, deps: deps, log: log, tracer: core.NoopTracer}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         s.Name(),
		Domain:       "operations",
		Layer:        core.LayerIngress,
		Capabilities: []string{"health", "metrics", "readiness"},
	}
}

func (s *Service) WithTracer(tracer core.Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tracer == nil {
		tracer = core.NoopTracer
	}
	s.tracer = tracer
}

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(r)
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router(),
	}
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("httpapi: server exited")
		}
	}()

	s.log.WithField("addr", s.addr).Info("httpapi started")
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	server := s.server
	s.running = false
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	s.log.Info("httpapi stopped")
	return nil
}

// workerStatus mirrors spec.md §6.6's per-worker health shape.
type workerStatus struct {
	Running       bool  `json:"running"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	ActiveJobs    int64 `json:"active_jobs"`
}

// serviceStatus mirrors spec.md §6.6's per-service health shape.
type serviceStatus struct {
	Name           string     `json:"name"`
	Running        bool       `json:"running"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	ErrorCount     int64      `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
	Degraded       bool       `json:"degraded,omitempty"`
	DegradedReason string     `json:"degraded_reason,omitempty"`
}

type healthReport struct {
	Status        string                   `json:"status"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	StartedAt     time.Time                `json:"started_at"`
	Workers       map[string]workerStatus  `json:"workers"`
	Services      map[string]serviceStatus `json:"services"`
	Version       string                   `json:"version"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	workers := make(map[string]workerStatus, len(s.deps.Workers))
	for queue, wk := range s.deps.Workers {
		st := wk.Stats()
		workers[queue] = workerStatus{
			Running:       st.Running,
			CompletedJobs: st.CompletedJobs,
			FailedJobs:    st.FailedJobs,
			ActiveJobs:    st.ActiveJobs,
		}
	}

	services := make(map[string]serviceStatus, 3)
	overallOK := true

	if s.deps.Watchdog != nil {
		st := s.deps.Watchdog.Status()
		services["watchdog"] = serviceStatus{
			Name: "watchdog", Running: st.Running, LastRunAt: timePtr(st.LastRunAt),
			ErrorCount: st.ErrorCount, LastError: st.LastError,
			Degraded: st.Degraded, DegradedReason: st.DegradedReason,
		}
		overallOK = overallOK && st.Running
	}
	if s.deps.ScaleAlerts != nil {
		st := s.deps.ScaleAlerts.Status()
		services["scale_alerts"] = serviceStatus{
			Name: "scale_alerts", Running: st.Running, LastRunAt: timePtr(st.LastRunAt),
			ErrorCount: st.ErrorCount, LastError: st.LastError,
		}
		overallOK = overallOK && st.Running
	}
	if s.deps.Heartbeat != nil {
		st := s.deps.Heartbeat.Status()
		services["heartbeat_processor"] = serviceStatus{
			Name: "heartbeat_processor", Running: st.Running, LastRunAt: timePtr(st.LastRunAt),
			ErrorCount: st.ErrorCount, Degraded: st.Degraded, DegradedReason: st.DegradedReason,
		}
		overallOK = overallOK && st.Running
	}

	status := "ok"
	if !overallOK {
		status = "degraded"
	}

	report := healthReport{
		Status:        status,
		UptimeSeconds: int64(now.Sub(s.deps.StartedAt).Seconds()),
		StartedAt:     s.deps.StartedAt,
		Workers:       workers,
		Services:      services,
		Version:       Version,
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable) // degraded is a 503; the body still carries the report
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (s *Service) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := s.deps.Ready(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
