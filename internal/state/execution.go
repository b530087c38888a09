package state

import "time"

type ExecutionStatus int

const (
	StatusPending ExecutionStatus = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the execution has finished.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Execution is one task invocation handled by this worker.
type Execution struct {
	// Full resource name: projects/{project}/locations/{location}/jobs/{job}/executions/{id}
	Name string
	// TaskID keys the invocation in the cancellation registry.
	TaskID         string
	Kind           string
	Job            string
	Status         ExecutionStatus
	StartTime      time.Time
	CompletionTime time.Time
	// Outcome is the terminal status string returned to the queue.
	Outcome      string
	ErrorMessage string
}
