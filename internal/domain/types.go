package domain

import (
	"fmt"
	"strings"
)

// IssueStatus represents the board column of an issue
type IssueStatus string

const (
	IssueTodo       IssueStatus = "TODO"
	IssueInProgress IssueStatus = "IN_PROGRESS"
	IssueDone       IssueStatus = "DONE"
	IssuePending    IssueStatus = "PENDING"
)

// ParseIssueStatus accepts the canonical names case-insensitively
func ParseIssueStatus(s string) (IssueStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TODO":
		return IssueTodo, nil
	case "IN_PROGRESS", "INPROGRESS", "IN-PROGRESS":
		return IssueInProgress, nil
	case "DONE":
		return IssueDone, nil
	case "PENDING":
		return IssuePending, nil
	}
	return "", fmt.Errorf("invalid issue status: %q (expected TODO, IN_PROGRESS, DONE or PENDING)", s)
}

// ExecutionStatus represents the state of one execution attempt
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "RUNNING"
	ExecSuccess ExecutionStatus = "SUCCESS"
	ExecFailed  ExecutionStatus = "FAILED"
)

// IsTerminal reports whether the status can no longer change
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecSuccess || s == ExecFailed
}
