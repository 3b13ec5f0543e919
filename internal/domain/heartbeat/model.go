// Package heartbeat models the transient per-droplet samples ingested by
// the heartbeat processor and coalesced with last-writer-wins.
package heartbeat

import "time"

// Heartbeat is one sample received over the KV pub/sub heartbeat topic.
type Heartbeat struct {
	TenantID      string
	DropletID     string
	Timestamp     time.Time
	CPUPercent    float64
	MemPercent    float64
	DiskPercent   float64
	EngineHealthy bool
}
