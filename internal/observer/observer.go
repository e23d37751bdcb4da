package observer

import (
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
)

// Observer collects attempt outcomes and flags tasks that run too long
type Observer struct {
	mu             sync.RWMutex
	stuckThreshold time.Duration
	completions    []completion
}

type completion struct {
	IssueID     string
	ExecutionID string
	Status      domain.ExecutionStatus
	Next        executor.RetryState
	Duration    time.Duration
	TimedOut    bool
	Cancelled   bool
	CompletedAt time.Time
}

// Metrics holds aggregated metrics over every recorded attempt
type Metrics struct {
	Attempts       int           `json:"attempts"`
	TotalCompleted int           `json:"totalCompleted"`
	TotalFailed    int           `json:"totalFailed"` // chains that ended in failure
	TotalRetries   int           `json:"totalRetries"`
	TotalTimedOut  int           `json:"totalTimedOut"`
	TotalCancelled int           `json:"totalCancelled"`
	AvgDuration    time.Duration `json:"-"`
	AvgDurationMS  int64         `json:"avgDurationMs"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
	}
}

// SetStuckThreshold changes how long a task may run before it counts as stuck
func (o *Observer) SetStuckThreshold(d time.Duration) {
	o.mu.Lock()
	o.stuckThreshold = d
	o.mu.Unlock()
}

// RecordOutcome records a finished attempt; it is meant to be registered
// with the engine's OnFinish
func (o *Observer) RecordOutcome(out executor.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.completions = append(o.completions, completion{
		IssueID:     out.IssueID,
		ExecutionID: out.ExecutionID,
		Status:      out.Status,
		Next:        out.Next,
		Duration:    out.Duration,
		TimedOut:    out.TimedOut,
		Cancelled:   out.Cancelled,
		CompletedAt: time.Now(),
	})
}

// IsStuck returns true if a running task has exceeded the threshold
func (o *Observer) IsStuck(rt domain.RunningTask) bool {
	o.mu.RLock()
	threshold := o.stuckThreshold
	o.mu.RUnlock()

	if threshold <= 0 || rt.StartTime.IsZero() {
		return false
	}
	return time.Since(rt.StartTime) > threshold
}

// StuckTasks filters running down to the stuck ones, oldest first
func (o *Observer) StuckTasks(running []domain.RunningTask) []domain.RunningTask {
	var stuck []domain.RunningTask
	for _, rt := range running {
		if o.IsStuck(rt) {
			stuck = append(stuck, rt)
		}
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].StartTime.Before(stuck[j].StartTime) })
	return stuck
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, c := range o.completions {
		metrics.Attempts++
		totalDuration += c.Duration
		switch c.Next {
		case executor.StateSuccess:
			metrics.TotalCompleted++
		case executor.StateFailedRetrying:
			metrics.TotalRetries++
		case executor.StateFailedTerminal:
			metrics.TotalFailed++
		}
		if c.TimedOut {
			metrics.TotalTimedOut++
		}
		if c.Cancelled {
			metrics.TotalCancelled++
		}
	}

	if metrics.Attempts > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.Attempts)
		metrics.AvgDurationMS = metrics.AvgDuration.Milliseconds()
	}

	return metrics
}

// GetRecentCompletions returns the issues whose attempts finished within since
func (o *Observer) GetRecentCompletions(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	seen := make(map[string]bool)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) && !seen[c.IssueID] {
			seen[c.IssueID] = true
			result = append(result, c.IssueID)
		}
	}

	return result
}
