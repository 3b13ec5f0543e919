package config

import "testing"

func TestQueueNames_IncludesBaseAndSubsystemQueues(t *testing.T) {
	names := QueueNames()
	want := []string{"ignition", "security", "template", "reboot", "health", "metric",
		"workflow-update", "sidecar-update", "wake-droplet", "hard-reboot-droplet", "credential-inject"}

	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	for _, w := range want {
		if !set[w] {
			t.Errorf("expected queue %q in QueueNames(), got %v", w, names)
		}
	}
	if len(names) != len(want) {
		t.Errorf("expected %d queues, got %d (%v)", len(want), len(names), names)
	}
}

func TestJobBusQueues_MatchTopologyDefaults(t *testing.T) {
	cfg := &Config{}
	queues := cfg.JobBusQueues()

	byName := make(map[string]int)
	for _, q := range queues {
		byName[q.Name] = q.MaxAttempts
	}
	if byName["ignition"] != 5 {
		t.Errorf("expected ignition max attempts 5, got %d", byName["ignition"])
	}
	if byName["reboot"] != 3 {
		t.Errorf("expected reboot max attempts 3, got %d", byName["reboot"])
	}
	if byName["hard-reboot-droplet"] != byName["reboot"] {
		t.Errorf("expected hard-reboot-droplet to inherit reboot's retry policy")
	}
}

func TestGovernorQueues_AppliesConcurrencyOverrides(t *testing.T) {
	cfg := &Config{HardRebootConcurrency: 7}
	queues := cfg.GovernorQueues()

	for _, q := range queues {
		if q.Queue == "reboot" && q.MaxConcurrent != 7 {
			t.Errorf("expected reboot concurrency override 7, got %d", q.MaxConcurrent)
		}
	}
}

func TestGovernorConfig_AppliesGlobalDefaults(t *testing.T) {
	cfg := &Config{}
	gc := cfg.GovernorConfig()

	if gc.GlobalMax != GovernorGlobalMaxConcurrent {
		t.Errorf("expected global max %d, got %d", GovernorGlobalMaxConcurrent, gc.GlobalMax)
	}
	if gc.PerAccountMax != GovernorPerAccountMax {
		t.Errorf("expected per-account max %d, got %d", GovernorPerAccountMax, gc.PerAccountMax)
	}
}
