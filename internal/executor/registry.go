package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// runningEntry is the live handle of one issue's current attempt
type runningEntry struct {
	task   domain.RunningTask
	cancel context.CancelCauseFunc
}

// Registry tracks running tasks by issue ID and doubles as the domain lock
// table: a domain is busy iff some entry carries it. A single mutex covers
// the conflict check and the registration so admission is atomic.
type Registry struct {
	tasks map[string]*runningEntry
	mu    sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*runningEntry),
	}
}

// TryAcquire registers a running task for issueID unless the issue is already
// running (ErrAlreadyRunning) or another issue holds the domain
// (*DomainConflictError). An empty domain never conflicts.
func (r *Registry) TryAcquire(issueID, executionID, domainTag string, cancel context.CancelCauseFunc) error {
	domainTag = domain.NormalizeDomain(domainTag)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[issueID]; ok {
		return fmt.Errorf("issue %s (execution %s): %w", issueID, existing.task.ExecutionID, ErrAlreadyRunning)
	}
	if domainTag != "" {
		for id, e := range r.tasks {
			if e.task.Domain == domainTag {
				return &DomainConflictError{Domain: domainTag, HeldBy: id}
			}
		}
	}

	if cancel == nil {
		cancel = func(error) {}
	}
	r.tasks[issueID] = &runningEntry{
		task: domain.RunningTask{
			IssueID:     issueID,
			ExecutionID: executionID,
			Domain:      domainTag,
			StartTime:   time.Now(),
		},
		cancel: cancel,
	}
	return nil
}

// Attach records the PID of the process spawned for the entry
func (r *Registry) Attach(issueID, executionID string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.tasks[issueID]; ok && e.task.ExecutionID == executionID {
		e.task.PID = pid
	}
}

// Release removes the entry for issueID. A non-empty executionID only removes
// the entry if it still belongs to that execution. Releasing twice is a no-op.
func (r *Registry) Release(issueID, executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[issueID]
	if !ok {
		return false
	}
	if executionID != "" && e.task.ExecutionID != executionID {
		return false
	}
	delete(r.tasks, issueID)
	return true
}

// take removes and returns the entry so the caller can terminate it
func (r *Registry) take(issueID string) (*runningEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[issueID]
	if ok {
		delete(r.tasks, issueID)
	}
	return e, ok
}

// Lookup returns the running task for an issue
func (r *Registry) Lookup(issueID string) (domain.RunningTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[issueID]
	if !ok {
		return domain.RunningTask{}, false
	}
	return e.task, true
}

// List returns a snapshot of all running tasks, oldest first
func (r *Registry) List() []domain.RunningTask {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.RunningTask, 0, len(r.tasks))
	for _, e := range r.tasks {
		result = append(result, e.task)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].IssueID < result[j].IssueID
		}
		return result[i].StartTime.Before(result[j].StartTime)
	})
	return result
}

// RunningDomains returns the set of busy domains, sorted
func (r *Registry) RunningDomains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	domains := make([]string, 0, len(r.tasks))
	for _, e := range r.tasks {
		if e.task.Domain != "" {
			domains = append(domains, e.task.Domain)
		}
	}
	sort.Strings(domains)
	return domains
}

// Count returns the number of running tasks
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// cancelAll signals every live attempt without removing entries;
// each runner releases its own entry once the process exits
func (r *Registry) cancelAll(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tasks {
		e.cancel(cause)
	}
}
