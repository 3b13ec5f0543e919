// Package lifecycle models the append-only journal of droplet state
// transitions. A transition MUST be journalled before any external side
// effect that depends on it (P4).
package lifecycle

import "time"

// Event is one row of the append-only lifecycle log.
type Event struct {
	ID         string
	DropletID  string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Metadata   map[string]string
	OccurredAt time.Time
}
