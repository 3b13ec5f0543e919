// Package template models the fleet's declared workflow templates: the
// "declared template/version state" spec.md's overview says the control
// plane keeps droplets in sync with. A workflow-update job's body is
// read from the current Template row for its name before being pushed.
package template

import "time"

// Template is one named workflow definition at a specific version. A new
// version is inserted, never mutated in place, so past rollouts can
// still resolve exactly what they shipped.
type Template struct {
	Name      string
	Version   string
	Body      string
	CreatedAt time.Time
}
