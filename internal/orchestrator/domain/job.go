package domain

import "time"

// JobState is the dispatch engine's view of a job's lifecycle.
type JobState string

const (
	JobStateQueued    JobState = "QUEUED"
	JobStateAssigned  JobState = "ASSIGNED"
	JobStateAccepted  JobState = "ACCEPTED"
	JobStateRunning   JobState = "RUNNING"
	JobStateCompleted JobState = "COMPLETED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// IsTerminal reports whether a job in this state will never transition again.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateCancelled
}

// Failure reason strings surfaced to the job source when a job ends up FAILED
// without the executor having run it to completion.
const (
	FailureNoEligibleRobot   = "no eligible robot accepted"
	FailureExecutorReported  = "executor-reported failure"
	FailureRobotDisconnected = "robot disconnected mid-execution, exceeded re-dispatch attempts"
)

// Job is one unit of dispatchable work. The workflow reference is opaque to
// the coordination core; only the metadata here drives scheduling.
//
// Invariant: a job in ASSIGNED or RUNNING state has exactly one non-empty
// AssignedRobotID, and that robot's session tracks the job ID in its active
// set. The dispatch engine is the only mutator.
type Job struct {
	JobID                string
	WorkflowRef          string
	Priority             int
	RequiredCapabilities []string
	State                JobState
	AssignedRobotID      string
	AttemptCount         int
	MaxAttempts          int
	FailureReason        string
	EnqueuedAt           time.Time
	UpdatedAt            time.Time
}

// Clone returns a copy safe to hand to observers and HTTP handlers.
func (j *Job) Clone() *Job {
	c := *j
	c.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	return &c
}
