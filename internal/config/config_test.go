package config

import "testing"

func TestLoad_MissingRequiredVars(t *testing.T) {
	t.Setenv("STORE_URL", "")
	t.Setenv("KV_URL", "")
	t.Setenv("CLOUD_API_TOKEN", "")
	t.Setenv("CLOUD_DRY_RUN", "")
	t.Setenv("CONTROLPLANE_ENV", "testing")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error when STORE_URL/KV_URL/CLOUD_API_TOKEN are unset")
	}
}

func TestLoad_DryRunSkipsCloudTokenRequirement(t *testing.T) {
	t.Setenv("STORE_URL", "postgres://localhost/controlplane")
	t.Setenv("KV_URL", "localhost:6379")
	t.Setenv("CLOUD_API_TOKEN", "")
	t.Setenv("CLOUD_DRY_RUN", "true")
	t.Setenv("CONTROLPLANE_ENV", "testing")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected dry-run load to succeed, got %v", err)
	}
	if !cfg.DryRun {
		t.Error("expected DryRun to be true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORE_URL", "postgres://localhost/controlplane")
	t.Setenv("KV_URL", "localhost:6379")
	t.Setenv("CLOUD_API_BASE_URL", "https://cloud.example.com")
	t.Setenv("CLOUD_API_TOKEN", "token")
	t.Setenv("CONTROLPLANE_ENV", "testing")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 3000 {
		t.Errorf("expected default PORT 3000, got %d", cfg.Port)
	}
	if cfg.WorkflowUpdateConcurrency != 100 {
		t.Errorf("expected default WORKFLOW_UPDATE_CONCURRENCY 100, got %d", cfg.WorkflowUpdateConcurrency)
	}
	if cfg.HardRebootConcurrency != 10 {
		t.Errorf("expected default HARD_REBOOT 10, got %d", cfg.HardRebootConcurrency)
	}
	if cfg.WatchdogInterval().Seconds() != 60 {
		t.Errorf("expected default watchdog interval 60s, got %v", cfg.WatchdogInterval())
	}
	if cfg.GracefulShutdownTimeout().Milliseconds() != 30000 {
		t.Errorf("expected default graceful shutdown 30000ms, got %v", cfg.GracefulShutdownTimeout())
	}
	if cfg.OTLPEndpoint != "" {
		t.Errorf("expected tracing disabled by default, got OTLPEndpoint=%q", cfg.OTLPEndpoint)
	}
}

func TestValidate_RejectsDryRunInProduction(t *testing.T) {
	cfg := &Config{Env: Production, DryRun: true, Port: 3000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected production dry-run to be rejected")
	}
}

func TestValidate_RejectsBadPort(t *testing.T) {
	cfg := &Config{Env: Development, Port: 70000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected out-of-range port to be rejected")
	}
}
