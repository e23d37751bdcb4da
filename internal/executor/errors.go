package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCommand is returned when Execute is called without a command
	ErrEmptyCommand = errors.New("command is required")
	// ErrNotRunning is returned by Cancel when the issue has no live task
	ErrNotRunning = errors.New("no running task found for this issue")
	// ErrAlreadyRunning is returned when the issue already has a live task
	ErrAlreadyRunning = errors.New("issue already has a running task")
	// ErrShuttingDown is returned once Shutdown has been called
	ErrShuttingDown = errors.New("engine shutting down")

	// Cancellation causes attached to an attempt's context
	ErrTimedOut    = errors.New("execution timed out")
	ErrCancelled   = errors.New("cancelled by user")
	ErrForceKilled = errors.New("forcefully terminated")
)

// Failure reasons written into the execution's error text
const (
	reasonForceKilled = "Task forcefully terminated"
	reasonCancelled   = "Cancelled by user"
	reasonShutdown    = "Process terminated: engine shutting down"
	reasonOrphaned    = "Execution orphaned: no live process owns it (engine restarted?)"
)

// DomainConflictError rejects an execution whose domain is held by another issue
type DomainConflictError struct {
	Domain string
	HeldBy string // issue currently running in the domain
}

func (e *DomainConflictError) Error() string {
	return fmt.Sprintf("domain %q is already running (issue %s)", e.Domain, e.HeldBy)
}

// AsDomainConflict unwraps a *DomainConflictError from err
func AsDomainConflict(err error) (*DomainConflictError, bool) {
	var conflict *DomainConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// reasonFor maps a cancellation cause to the text recorded on the execution
func reasonFor(cause error) string {
	switch {
	case cause == nil:
		return ""
	case errors.Is(cause, ErrForceKilled):
		return reasonForceKilled
	case errors.Is(cause, ErrCancelled):
		return reasonCancelled
	case errors.Is(cause, ErrShuttingDown):
		return reasonShutdown
	}
	return "Process terminated: " + cause.Error()
}
