package domain

import "time"

// DefaultProvider is recorded when the caller names no LLM provider
const DefaultProvider = "system"

// Execution represents a single attempt to run an issue's command
type Execution struct {
	ID          string
	IssueID     string
	Status      ExecutionStatus
	Provider    string
	Command     string
	Output      string // accumulated stdout, exposed as llmResponse
	Error       string // accumulated stderr plus the failure reason
	Attempt     int    // 0 for the first run, N for the Nth retry
	StartedAt   time.Time
	CompletedAt *time.Time
}

// Duration returns how long the attempt ran, or has been running so far
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt != nil {
		return e.CompletedAt.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// ExecutionPatch is a partial update of an execution record.
// Nil pointers and empty appends leave the field untouched.
type ExecutionPatch struct {
	Status       *ExecutionStatus
	Output       *string
	Error        *string
	AppendOutput string
	AppendError  string
	CompletedAt  *time.Time
}

// IsEmpty reports whether the patch changes nothing
func (p ExecutionPatch) IsEmpty() bool {
	return p.Status == nil && p.Output == nil && p.Error == nil &&
		p.AppendOutput == "" && p.AppendError == "" && p.CompletedAt == nil
}

// Terminal builds the patch that closes an execution
func Terminal(status ExecutionStatus, output, errText string, at time.Time) ExecutionPatch {
	return ExecutionPatch{
		Status:      &status,
		Output:      &output,
		Error:       &errText,
		CompletedAt: &at,
	}
}

// RunningTask is a point-in-time view of a live execution.
// The process handle itself never leaves the executor package.
type RunningTask struct {
	IssueID     string
	ExecutionID string
	Domain      string
	PID         int
	StartTime   time.Time
}
