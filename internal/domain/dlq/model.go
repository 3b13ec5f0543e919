// Package dlq models a job that exhausted its retry budget, generalized
// from the teacher's gasbank.DeadLetter (withdrawal-specific) to any
// queue's terminal failures.
package dlq

import "time"

// Entry is a dead-lettered job, indexed by queue and timestamp and
// replayable via the job bus.
type Entry struct {
	ID          string
	Queue       string
	JobID       string
	Payload     []byte // the job's payload, JSON-encoded as submitted (not redacted)
	FinalError  string
	Attempts    int
	ParentDLQID string // set on a replay that failed again
	CreatedAt   time.Time
}
