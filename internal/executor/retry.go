package executor

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// RetryState is a step of an issue's retry chain:
//
//	PENDING_ACCEPT -> RUNNING -> SUCCESS
//	                          -> FAILED_RETRYING -> RUNNING (next attempt)
//	                          -> FAILED_TERMINAL
type RetryState string

const (
	StatePendingAccept  RetryState = "PENDING_ACCEPT"
	StateRunning        RetryState = "RUNNING"
	StateSuccess        RetryState = "SUCCESS"
	StateFailedRetrying RetryState = "FAILED_RETRYING"
	StateFailedTerminal RetryState = "FAILED_TERMINAL"
)

// IsTerminal reports whether the chain ends in this state
func (s RetryState) IsTerminal() bool {
	return s == StateSuccess || s == StateFailedTerminal
}

// Previous-failure digest limits
const (
	digestAttempts = 3
	digestTruncate = 500
)

// RetryPolicy decides what follows a finished attempt
type RetryPolicy struct {
	MaxRetries  int
	Backoff     time.Duration
	ShouldRetry func(stderr, stdout string) bool
}

// Decision is the policy's verdict on one attempt
type Decision struct {
	Next   RetryState
	Reason string
}

// Decide returns the next state after attempt (0-based) finished with res.
// Externally terminated attempts never retry; spawn errors retry whenever
// budget remains; other failures go through the classifier.
func (p RetryPolicy) Decide(attempt int, res RunResult) Decision {
	switch {
	case res.Success():
		return Decision{Next: StateSuccess, Reason: "exited with code 0"}
	case res.Cancelled:
		return Decision{Next: StateFailedTerminal, Reason: "terminated externally"}
	case attempt >= p.MaxRetries:
		return Decision{Next: StateFailedTerminal, Reason: fmt.Sprintf("retry budget exhausted (%d/%d)", attempt, p.MaxRetries)}
	case res.SpawnErr != nil:
		return Decision{Next: StateFailedRetrying, Reason: "spawn error"}
	}

	classify := p.ShouldRetry
	if classify == nil {
		classify = ShouldRetry
	}
	if !classify(res.Stderr, res.Stdout) {
		return Decision{Next: StateFailedTerminal, Reason: "failure is not retryable"}
	}
	return Decision{Next: StateFailedRetrying, Reason: "failure is retryable"}
}

// PreviousFailureDigest summarizes up to three failed executions from
// history (newest first) for the next attempt's environment
func PreviousFailureDigest(history []*domain.Execution) string {
	var b strings.Builder
	n := 0
	for _, e := range history {
		if e.Status != domain.ExecFailed {
			continue
		}
		if n == digestAttempts {
			break
		}
		n++
		fmt.Fprintf(&b, "--- attempt %d (%s) ---\n", e.Attempt+1, e.StartedAt.UTC().Format(time.RFC3339))
		if e.Error != "" {
			fmt.Fprintf(&b, "error: %s\n", truncate(e.Error, digestTruncate))
		}
		if e.Output != "" {
			fmt.Fprintf(&b, "output: %s\n", truncate(e.Output, digestTruncate))
		}
	}
	return b.String()
}

// truncate cuts s to at most max bytes on a rune boundary
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

