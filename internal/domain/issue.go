package domain

import (
	"strings"
	"time"
)

// Issue is a board item whose command the engine may execute
type Issue struct {
	ID          string
	Title       string
	Description string
	Status      IssueStatus
	Domain      string // empty means no domain
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// Executions holds the most recent attempts, newest first.
	// It is only populated by lookups that ask for history.
	Executions []*Execution
}

// DomainTag returns the normalized domain, or "" when the issue has none
func (i *Issue) DomainTag() string {
	return NormalizeDomain(i.Domain)
}

// NormalizeDomain trims a domain tag; blank tags mean "no domain"
func NormalizeDomain(d string) string {
	return strings.TrimSpace(d)
}

// FailedExecutions returns the failed attempts in history order
func (i *Issue) FailedExecutions() []*Execution {
	var failed []*Execution
	for _, e := range i.Executions {
		if e.Status == ExecFailed {
			failed = append(failed, e)
		}
	}
	return failed
}
