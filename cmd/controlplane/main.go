// Command controlplane boots the fleet control plane: storage, the job
// bus and its per-queue workers, the watchdog, heartbeat processor,
// scale-alerts sampler, hibernation controller, fleet update engine, and
// the operational HTTP surface. Grounded on cmd/appserver/main.go's
// flag-parse-then-wire-then-run shape, generalized from one HTTP
// service to the full system.Service set this control plane runs.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	core "github.com/fleetctl/controlplane/internal/app/core/service"
	"github.com/fleetctl/controlplane/internal/app/system"
	"github.com/fleetctl/controlplane/internal/cloudapi"
	"github.com/fleetctl/controlplane/internal/config"
	"github.com/fleetctl/controlplane/internal/credentialinject"
	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/fleetupdate"
	"github.com/fleetctl/controlplane/internal/governor"
	"github.com/fleetctl/controlplane/internal/hardreboot"
	"github.com/fleetctl/controlplane/internal/heartbeat"
	"github.com/fleetctl/controlplane/internal/hibernation"
	"github.com/fleetctl/controlplane/internal/httpapi"
	"github.com/fleetctl/controlplane/internal/jobbus"
	"github.com/fleetctl/controlplane/internal/platform/database"
	"github.com/fleetctl/controlplane/internal/platform/kvstore"
	"github.com/fleetctl/controlplane/internal/platform/migrations"
	"github.com/fleetctl/controlplane/internal/provisioning"
	"github.com/fleetctl/controlplane/internal/scalealerts"
	"github.com/fleetctl/controlplane/internal/storage"
	memstore "github.com/fleetctl/controlplane/internal/storage/memory"
	pgstore "github.com/fleetctl/controlplane/internal/storage/postgres"
	"github.com/fleetctl/controlplane/internal/watchdog"
	"github.com/fleetctl/controlplane/internal/worker"
	"github.com/fleetctl/controlplane/pkg/logger"
	"github.com/fleetctl/controlplane/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logCfg := logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"}
	lg := logger.New(logCfg)

	rootCtx := context.Background()

	fullStore, db, err := openStore(rootCtx, cfg, lg)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	kv, err := kvstore.Open(rootCtx, cfg.KVURL, "", 0)
	if err != nil {
		log.Fatalf("open kv store: %v", err)
	}

	cloudClient, err := newCloudClient(cfg)
	if err != nil {
		log.Fatalf("configure cloud API client: %v", err)
	}

	tracer, shutdownTracing, err := newTracer(rootCtx, cfg, lg)
	if err != nil {
		log.Fatalf("configure tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	bus := jobbus.New(kv, cfg.JobBusQueues(), lg)
	gov := governor.New(kv, cfg.GovernorConfig())
	registry := worker.NewRegistry()

	provisioningFactory := provisioning.New(fullStore, fullStore, fullStore, cloudClient, lg)
	registry.Register(job.KindIgnition, provisioningFactory.Handle)

	fleetupdateHandlers := fleetupdate.NewHandlers(fullStore, fullStore, lg)
	registry.Register(job.KindWorkflowUpdate, fleetupdateHandlers.HandleWorkflowUpdate)
	registry.Register(job.KindSidecarUpdate, fleetupdateHandlers.HandleSidecarUpdate)

	credInjectHandler := credentialinject.New(fullStore, fullStore, lg)
	registry.Register(job.KindCredentialInject, credInjectHandler.HandleCredentialInject)

	rebootHandler := hardreboot.New(fullStore, fullStore, cloudClient, lg)
	registry.Register(job.KindHardRebootDroplet, rebootHandler.HandleHardRebootDroplet)

	activityPredictor := hibernation.NewCampaignSchedulePredictor(fullStore)
	hibernationController := hibernation.New(
		fullStore, fullStore, fullStore, fullStore, fullStore,
		cloudClient, activityPredictor, hibernation.Config{}, lg,
	)
	registry.Register(job.KindWakeDroplet, hibernationController.HandleWakeDroplet)

	workers := make(map[string]*worker.QueueWorker, len(cfg.JobBusQueues()))
	govQueues := cfg.GovernorQueues()
	concurrencyByQueue := make(map[string]int, len(govQueues))
	for _, q := range govQueues {
		concurrencyByQueue[q.Queue] = q.MaxConcurrent
	}
	for _, qc := range cfg.JobBusQueues() {
		w := worker.New(qc.Name, bus, gov, registry, logger.NewDefault("worker-"+qc.Name))
		if c := concurrencyByQueue[qc.Name]; c > 0 {
			w.WithConcurrency(c)
		}
		w.WithJobStore(fullStore)
		workers[qc.Name] = w
	}
	workerRuntime := worker.NewRuntime(lg, workerSlice(workers)...)

	watchdogSvc := watchdog.New(fullStore, fullStore, bus, watchdog.Config{
		Interval:         cfg.WatchdogInterval(),
		HeartbeatTimeout: cfg.WatchdogHeartbeatTimeout(),
	}, logger.NewDefault("watchdog"))

	heartbeatSvc := heartbeat.New(kv, fullStore, heartbeat.Config{
		FlushInterval: cfg.HeartbeatProcessInterval(),
	}, logger.NewDefault("heartbeat"))

	scaleAlertsSvc := scalealerts.New(fullStore, fullStore, fullStore, fullStore, scalealerts.Config{
		Schedule: "@every " + cfg.ScaleAlertsInterval().String(), // SCALE_ALERTS_INTERVAL_MINUTES as a cron spec
		Queues:   config.QueueNames(),
	}, logger.NewDefault("scalealerts"))

	fleetupdateEngine := fleetupdate.New(fullStore, fullStore, fullStore, fullStore, fullStore, bus, logger.NewDefault("fleetupdate"))

	httpAddr := ":3000"
	if cfg.Port > 0 {
		httpAddr = addrFromPort(cfg.Port)
	}
	httpSvc := httpapi.New(httpAddr, httpapi.Deps{
		Watchdog:    watchdogSvc,
		ScaleAlerts: scaleAlertsSvc,
		Heartbeat:   heartbeatSvc,
		Workers:     workers,
		Ready:       func() error { return nil },
	}, logger.NewDefault("httpapi"))

	workerRuntime.WithTracer(tracer)
	watchdogSvc.WithTracer(tracer)
	scaleAlertsSvc.WithTracer(tracer)
	fleetupdateEngine.WithTracer(tracer)
	hibernationController.WithTracer(tracer)
	httpSvc.WithTracer(tracer)

	services := []system.Service{
		workerRuntime,
		watchdogSvc,
		heartbeatSvc,
		scaleAlertsSvc,
		fleetupdateEngine,
		hibernationController,
		httpSvc,
	}

	for _, svc := range services {
		if err := svc.Start(rootCtx); err != nil {
			log.Fatalf("start %s: %v", svc.Name(), err)
		}
	}
	lg.WithField("addr", httpAddr).Info("control plane started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout())
	defer cancel()

	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(shutdownCtx); err != nil {
			lg.WithError(err).WithField("service", services[i].Name()).Error("shutdown error")
		}
	}
}

// fullstore is the union of every storage interface the control plane
// needs; both backends (postgres, memory) satisfy it in full.
type fullstore interface {
	storage.TenantStore
	storage.AccountStore
	storage.DropletStore
	storage.LifecycleStore
	storage.CredentialStore
	storage.TemplateStore
	storage.RolloutStore
	storage.LedgerStore
	storage.JobStore
	storage.DLQStore
	storage.HibernationStore
}

func openStore(ctx context.Context, cfg *config.Config, lg *logger.Logger) (fullstore, *sql.DB, error) {
	if cfg.StoreURL == "" {
		lg.Warn("STORE_URL unset, falling back to in-memory storage")
		return memstore.New(), nil, nil
	}

	db, err := database.Open(ctx, cfg.StoreURL)
	if err != nil {
		return nil, nil, err
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, nil, err
	}
	return pgstore.NewFromSQLDB(db), db, nil
}

// newTracer builds an OTLP-backed tracer when OTLP_ENDPOINT is set,
// otherwise every system.Service keeps running on core.NoopTracer. The
// returned shutdown func is always safe to defer, even when tracing is
// disabled.
func newTracer(ctx context.Context, cfg *config.Config, lg *logger.Logger) (core.Tracer, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return core.NoopTracer, func(context.Context) error { return nil }, nil
	}

	provider, shutdown, err := tracing.NewOTLPTracerProvider(ctx, tracing.OTLPConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		ServiceName: "controlplane",
	})
	if err != nil {
		return nil, nil, err
	}
	lg.WithField("endpoint", cfg.OTLPEndpoint).Info("tracing enabled")
	return tracing.ConfigureGlobalTracer(provider, "controlplane"), shutdown, nil
}

func newCloudClient(cfg *config.Config) (*cloudapi.Client, error) {
	baseURL := cfg.CloudAPIBaseURL
	if cfg.DryRun && baseURL == "" {
		baseURL = "http://localhost:0" // placeholder so cloudapi.New accepts the config; cloud calls still go to this address
	}
	return cloudapi.New(cloudapi.Config{
		BaseURL: baseURL,
		Token:   cfg.CloudAPIToken,
		Timeout: 30 * time.Second,
	})
}

func workerSlice(workers map[string]*worker.QueueWorker) []*worker.QueueWorker {
	out := make([]*worker.QueueWorker, 0, len(workers))
	for _, w := range workers {
		out = append(out, w)
	}
	return out
}

func addrFromPort(port int) string {
	return ":" + strconv.Itoa(port)
}
