// Package config reads the control plane's process configuration from
// the environment at start, failing fast when a required variable is
// missing, per spec §6.1.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	slruntime "github.com/fleetctl/controlplane/internal/runtime"
	"github.com/joho/godotenv"
)

// Environment is the deployment environment, selected by CONTROLPLANE_ENV.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds every environment-derived setting the control plane needs
// at boot. Nothing here is re-read after Load returns.
type Config struct {
	Env Environment

	// Required dependencies (§6.1: "missing required vars cause fail-fast
	// exit").
	StoreURL        string // Postgres DSN, internal/platform/database.Open
	KVURL           string // Redis address, internal/platform/kvstore.Open
	CloudAPIBaseURL string // required unless DryRun
	CloudAPIToken   string // required unless DryRun

	DryRun bool // CLOUD_DRY_RUN: makes the cloud API base URL and token optional; cloud calls are not skipped

	// OTLPEndpoint, when set, turns on distributed tracing: a gRPC OTLP
	// exporter is built and threaded into every system.Service via
	// WithTracer. Empty means every service keeps running on
	// core.NoopTracer (§7: tracing is optional, never required to boot).
	OTLPEndpoint string
	OTLPInsecure bool

	Port int

	// Per-queue concurrency overrides (§6.1); zero means "use the
	// queue's default row from queues.go".
	WorkflowUpdateConcurrency   int
	WakeDropletConcurrency      int
	SidecarUpdateConcurrency    int
	CredentialInjectConcurrency int
	HardRebootConcurrency       int

	WatchdogIntervalSeconds         int
	WatchdogHeartbeatTimeoutMinutes int
	ScaleAlertsIntervalMinutes      int
	HeartbeatProcessIntervalSeconds int
	GracefulShutdownTimeoutMS       int

	LogLevel  string
	LogFormat string
}

// Load reads Config from the environment, optionally seeded by a
// CONTROLPLANE_ENV-named .env file (config/<env>.env), matching the
// teacher's dotenv-then-override pattern.
func Load() (*Config, error) {
	envStr := os.Getenv("CONTROLPLANE_ENV")
	if envStr == "" {
		envStr = string(slruntime.Development)
	}
	parsedEnv, ok := slruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid CONTROLPLANE_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.StoreURL = getEnv("STORE_URL", "")
	c.KVURL = getEnv("KV_URL", "")
	c.CloudAPIBaseURL = getEnv("CLOUD_API_BASE_URL", "")
	c.CloudAPIToken = getEnv("CLOUD_API_TOKEN", "")
	c.DryRun = getBoolEnv("CLOUD_DRY_RUN", false)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", "")
	c.OTLPInsecure = getBoolEnv("OTLP_INSECURE", true)

	var missing []string
	if c.StoreURL == "" {
		missing = append(missing, "STORE_URL")
	}
	if c.KVURL == "" {
		missing = append(missing, "KV_URL")
	}
	if !c.DryRun {
		if c.CloudAPIBaseURL == "" {
			missing = append(missing, "CLOUD_API_BASE_URL")
		}
		if c.CloudAPIToken == "" {
			missing = append(missing, "CLOUD_API_TOKEN")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	c.Port = getIntEnv("PORT", 3000)

	c.WorkflowUpdateConcurrency = getIntEnv("WORKFLOW_UPDATE_CONCURRENCY", 100)
	c.WakeDropletConcurrency = getIntEnv("WAKE_DROPLET_CONCURRENCY", 50)
	c.SidecarUpdateConcurrency = getIntEnv("SIDECAR_UPDATE_CONCURRENCY", 50)
	c.CredentialInjectConcurrency = getIntEnv("CREDENTIAL_INJECT_CONCURRENCY", 50)
	c.HardRebootConcurrency = getIntEnv("HARD_REBOOT", 10)

	c.WatchdogIntervalSeconds = getIntEnv("WATCHDOG_INTERVAL_SECONDS", 60)
	c.WatchdogHeartbeatTimeoutMinutes = getIntEnv("WATCHDOG_HEARTBEAT_TIMEOUT_MINUTES", 5)
	c.ScaleAlertsIntervalMinutes = getIntEnv("SCALE_ALERTS_INTERVAL_MINUTES", 15)
	c.HeartbeatProcessIntervalSeconds = getIntEnv("HEARTBEAT_PROCESS_INTERVAL_SECONDS", 10)
	c.GracefulShutdownTimeoutMS = getIntEnv("GRACEFUL_SHUTDOWN_TIMEOUT_MS", 30000)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	return nil
}

// WatchdogInterval is WatchdogIntervalSeconds as a time.Duration.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalSeconds) * time.Second
}

// WatchdogHeartbeatTimeout is WatchdogHeartbeatTimeoutMinutes as a time.Duration.
func (c *Config) WatchdogHeartbeatTimeout() time.Duration {
	return time.Duration(c.WatchdogHeartbeatTimeoutMinutes) * time.Minute
}

// ScaleAlertsInterval is ScaleAlertsIntervalMinutes as a time.Duration.
func (c *Config) ScaleAlertsInterval() time.Duration {
	return time.Duration(c.ScaleAlertsIntervalMinutes) * time.Minute
}

// HeartbeatProcessInterval is HeartbeatProcessIntervalSeconds as a time.Duration.
func (c *Config) HeartbeatProcessInterval() time.Duration {
	return time.Duration(c.HeartbeatProcessIntervalSeconds) * time.Second
}

// GracefulShutdownTimeout is GracefulShutdownTimeoutMS as a time.Duration.
func (c *Config) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMS) * time.Millisecond
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate applies production-only hardening checks on top of
// loadFromEnv's required-variable checks.
func (c *Config) Validate() error {
	if c.IsProduction() && c.DryRun {
		return fmt.Errorf("CLOUD_DRY_RUN must be false in production")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
