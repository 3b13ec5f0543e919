package config

import (
	"time"

	"github.com/fleetctl/controlplane/internal/domain/job"
	"github.com/fleetctl/controlplane/internal/governor"
	"github.com/fleetctl/controlplane/internal/jobbus"
)

// queueDefault is one row of spec §6.2's queue topology table.
type queueDefault struct {
	name        string
	priority    int
	concurrency int
	rateLimit   int
	rateWindow  time.Duration
	maxRetries  int
	backoff     job.Backoff
}

// baseQueueDefaults are the six queues spec §6.2 tabulates directly.
var baseQueueDefaults = []queueDefault{
	{name: "ignition", priority: 1, concurrency: 50, rateLimit: 100, rateWindow: time.Second, maxRetries: 5, backoff: job.Backoff{Kind: job.BackoffExponential, BaseMs: 5000}},
	{name: "security", priority: 2, concurrency: 100, rateLimit: 200, rateWindow: time.Second, maxRetries: 5, backoff: job.Backoff{Kind: job.BackoffExponential, BaseMs: 3000}},
	{name: "template", priority: 3, concurrency: 100, rateLimit: 200, rateWindow: time.Second, maxRetries: 5, backoff: job.Backoff{Kind: job.BackoffExponential, BaseMs: 5000}},
	{name: "reboot", priority: 2, concurrency: 25, rateLimit: 50, rateWindow: time.Second, maxRetries: 3, backoff: job.Backoff{Kind: job.BackoffExponential, BaseMs: 10000}},
	{name: "health", priority: 4, concurrency: 500, rateLimit: 1000, rateWindow: time.Second, maxRetries: 3, backoff: job.Backoff{Kind: job.BackoffFixed, BaseMs: 1000}},
	{name: "metric", priority: 4, concurrency: 200, rateLimit: 500, rateWindow: time.Second, maxRetries: 3, backoff: job.Backoff{Kind: job.BackoffFixed, BaseMs: 2000}},
}

// subsystemQueueDefaults are the five per-subsystem queues spec §4.2 names
// but §6.2 never tabulates. Per DESIGN.md's Open Question resolution,
// each inherits its rate/retry/backoff numbers from the base queue the
// fleet update engine logically routes it through, while remaining a
// fully independent queue (own Redis key set, own governor slot).
var subsystemQueueDefaults = map[string]string{
	"workflow-update":     "template",
	"sidecar-update":      "template",
	"wake-droplet":        "reboot",
	"hard-reboot-droplet": "reboot",
	"credential-inject":   "security",
}

// DLQAlertThreshold is spec §4.2's default operator-alert threshold T,
// applied uniformly since the spec names no per-queue override.
const DLQAlertThreshold = 50

// DLQRetention is spec §4.2's default DLQ retention window.
const DLQRetention = 30 * 24 * time.Hour

// GovernorDefaults mirror spec §6.2's "Governor defaults" line.
const (
	GovernorGlobalMaxConcurrent = 100
	GovernorPerAccountMax       = 10
	GovernorCircuitThreshold    = 10
	GovernorCircuitResetMs      = 30000
)

func (d queueDefault) concurrencyOverride(c *Config) int {
	switch d.name {
	case "reboot", "hard-reboot-droplet":
		if c.HardRebootConcurrency > 0 {
			return c.HardRebootConcurrency
		}
	case "workflow-update":
		if c.WorkflowUpdateConcurrency > 0 {
			return c.WorkflowUpdateConcurrency
		}
	case "sidecar-update":
		if c.SidecarUpdateConcurrency > 0 {
			return c.SidecarUpdateConcurrency
		}
	case "wake-droplet":
		if c.WakeDropletConcurrency > 0 {
			return c.WakeDropletConcurrency
		}
	case "credential-inject":
		if c.CredentialInjectConcurrency > 0 {
			return c.CredentialInjectConcurrency
		}
	}
	return d.concurrency
}

// QueueNames returns the full canonical queue set: the six base queues
// plus the five per-subsystem queues.
func QueueNames() []string {
	names := make([]string, 0, len(baseQueueDefaults)+len(subsystemQueueDefaults))
	for _, d := range baseQueueDefaults {
		names = append(names, d.name)
	}
	for name := range subsystemQueueDefaults {
		names = append(names, name)
	}
	return names
}

func allQueueDefaults() []queueDefault {
	byName := make(map[string]queueDefault, len(baseQueueDefaults))
	for _, d := range baseQueueDefaults {
		byName[d.name] = d
	}
	all := append([]queueDefault(nil), baseQueueDefaults...)
	for name, inheritFrom := range subsystemQueueDefaults {
		base := byName[inheritFrom]
		d := base
		d.name = name
		all = append(all, d)
	}
	return all
}

// JobBusQueues builds jobbus.QueueConfig for every canonical queue.
func (c *Config) JobBusQueues() []jobbus.QueueConfig {
	defaults := allQueueDefaults()
	out := make([]jobbus.QueueConfig, 0, len(defaults))
	for _, d := range defaults {
		out = append(out, jobbus.QueueConfig{
			Name:              d.name,
			DefaultPriority:   d.priority,
			MaxAttempts:       d.maxRetries,
			Backoff:           d.backoff,
			DLQAlertThreshold: DLQAlertThreshold,
			DLQRetention:      DLQRetention,
		})
	}
	return out
}

// GovernorQueues builds governor.QueueConfig for every canonical queue,
// applying this Config's per-queue concurrency overrides.
func (c *Config) GovernorQueues() []governor.QueueConfig {
	defaults := allQueueDefaults()
	out := make([]governor.QueueConfig, 0, len(defaults))
	for _, d := range defaults {
		out = append(out, governor.QueueConfig{
			Queue:         d.name,
			MaxConcurrent: d.concurrencyOverride(c),
			RateLimit:     d.rateLimit,
			RateWindow:    d.rateWindow,
			Breaker: governor.BreakerConfig{
				MaxFailures: GovernorCircuitThreshold,
				Timeout:     GovernorCircuitResetMs * time.Millisecond,
			},
		})
	}
	return out
}

// GovernorConfig builds the top-level governor.Config.
func (c *Config) GovernorConfig() governor.Config {
	return governor.Config{
		GlobalMax:     GovernorGlobalMaxConcurrent,
		PerAccountMax: GovernorPerAccountMax,
		Queues:        c.GovernorQueues(),
	}
}
