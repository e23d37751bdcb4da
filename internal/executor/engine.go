package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// Store is the persistence the engine needs
type Store interface {
	GetIssue(ctx context.Context, id string) (*domain.Issue, error)
	SetIssueStatus(ctx context.Context, id string, status domain.IssueStatus) error
	CreateExecution(ctx context.Context, exec *domain.Execution) error
	UpdateExecution(ctx context.Context, id string, patch domain.ExecutionPatch) error
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
	ListExecutions(ctx context.Context, f taskstore.ExecutionFilter) ([]*domain.Execution, error)
}

// Settings are the engine knobs that may change while it runs
type Settings struct {
	Runner        RunnerConfig
	MaxRetries    int                // used when a request does not set one
	RetryBackoff  time.Duration      // wait before each retry
	SuccessStatus domain.IssueStatus // applied after success if the issue is still IN_PROGRESS; empty leaves it
	FailureStatus domain.IssueStatus // applied after a terminal failure if still IN_PROGRESS
}

// DefaultSettings returns the engine defaults
func DefaultSettings() Settings {
	return Settings{
		Runner:        DefaultRunnerConfig(),
		MaxRetries:    3,
		RetryBackoff:  2 * time.Second,
		SuccessStatus: domain.IssueTodo,
		FailureStatus: domain.IssuePending,
	}
}

// ExecuteRequest asks the engine to run a command for an issue
type ExecuteRequest struct {
	IssueID    string
	Command    string
	Provider   string
	MaxRetries *int // nil means the configured default
}

// ExecuteResult is returned once an execution has been accepted
type ExecuteResult struct {
	ExecutionID        string                 `json:"executionId"`
	IssueID            string                 `json:"issueId"`
	Status             domain.ExecutionStatus `json:"status"`
	Domain             string                 `json:"domain,omitempty"`
	MaxRetries         int                    `json:"maxRetries"`
	PreviousExecutions int                    `json:"previousExecutions"`
}

// TaskStatus is the combined view of an issue and its task
type TaskStatus struct {
	IssueID         string              `json:"issueId"`
	IssueStatus     domain.IssueStatus  `json:"issueStatus"`
	IsRunning       bool                `json:"isRunning"`
	RetryPending    bool                `json:"retryPending"`
	Running         *domain.RunningTask `json:"running,omitempty"`
	LatestExecution *domain.Execution   `json:"latestExecution,omitempty"`
}

// RunningSnapshot lists what is running right now
type RunningSnapshot struct {
	Tasks   []domain.RunningTask `json:"runningTasks"`
	Domains []string             `json:"runningDomains"`
}

// Outcome reports how one attempt ended and what the chain does next
type Outcome struct {
	IssueID     string
	ExecutionID string
	Attempt     int
	Status      domain.ExecutionStatus
	Next        RetryState
	Reason      string
	ExitCode    int
	TimedOut    bool
	Cancelled   bool
	Duration    time.Duration
}

// job is the retry chain for one accepted Execute call
type job struct {
	issueID    string
	command    string
	provider   string
	domain     string
	maxRetries int
}

type pendingRetry struct {
	executionID string
	cancel      context.CancelCauseFunc
}

// Engine accepts commands for issues and runs them with domain exclusion,
// retries and live log streaming
type Engine struct {
	store    Store
	registry *Registry
	feeds    *Publisher
	records  *recordWriter
	runner   *Runner
	classify func(stderr, stdout string) bool

	mu       sync.RWMutex
	settings Settings
	onStart  []func(domain.RunningTask)
	onFinish []func(Outcome)

	// pendingMu orders before the registry lock
	pendingMu sync.Mutex
	pending   map[string]*pendingRetry
	chains    map[string]int // retry chains still winding down, per issue

	baseCtx context.Context
	stop    context.CancelCauseFunc
	wg      sync.WaitGroup
}

// New creates an engine over store
func New(store Store, settings Settings) *Engine {
	baseCtx, stop := context.WithCancelCause(context.Background())
	registry := NewRegistry()
	feeds := NewPublisher(store)
	records := newRecordWriter(store, 256)
	return &Engine{
		store:    store,
		registry: registry,
		feeds:    feeds,
		records:  records,
		runner:   newRunner(settings.Runner, registry, feeds, records),
		classify: ShouldRetry,
		settings: settings,
		pending:  make(map[string]*pendingRetry),
		chains:   make(map[string]int),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// SetClassifier replaces the retry classifier
func (e *Engine) SetClassifier(fn func(stderr, stdout string) bool) {
	e.mu.Lock()
	e.classify = fn
	e.mu.Unlock()
}

// Settings returns the current settings
func (e *Engine) Settings() Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings
}

// UpdateSettings applies new settings to attempts started from now on
func (e *Engine) UpdateSettings(s Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()
	e.runner.SetConfig(s.Runner)
	log.Printf("[engine] settings updated (timeout %s, max retries %d, backoff %s)",
		s.Runner.Timeout, s.MaxRetries, s.RetryBackoff)
}

// OnStart registers a callback invoked whenever an attempt is admitted
func (e *Engine) OnStart(fn func(domain.RunningTask)) {
	e.mu.Lock()
	e.onStart = append(e.onStart, fn)
	e.mu.Unlock()
}

// OnFinish registers a callback invoked after every attempt
func (e *Engine) OnFinish(fn func(Outcome)) {
	e.mu.Lock()
	e.onFinish = append(e.onFinish, fn)
	e.mu.Unlock()
}

// Registry exposes the running-task registry
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Execute admits a command for an issue and returns as soon as the first
// attempt is recorded; the process runs in the background.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, ErrEmptyCommand
	}
	if e.baseCtx.Err() != nil {
		return nil, ErrShuttingDown
	}

	issue, err := e.store.GetIssue(ctx, req.IssueID)
	if err != nil {
		return nil, err
	}

	settings := e.Settings()
	maxRetries := settings.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	provider := req.Provider
	if provider == "" {
		provider = domain.DefaultProvider
	}

	j := &job{
		issueID:    issue.ID,
		command:    req.Command,
		provider:   provider,
		domain:     issue.DomainTag(),
		maxRetries: maxRetries,
	}

	exec := &domain.Execution{
		ID:        uuid.New().String(),
		IssueID:   issue.ID,
		Status:    domain.ExecRunning,
		Provider:  provider,
		Command:   req.Command,
		StartedAt: time.Now(),
	}
	attemptCtx, cancel := context.WithCancelCause(e.baseCtx)
	if err := e.admit(j, exec.ID, cancel); err != nil {
		cancel(nil)
		return nil, err
	}

	// Admitted. Open the feed before the record exists so a subscriber that
	// finds the record always finds a live feed or a terminal row.
	e.feeds.open(exec)
	if err := e.store.SetIssueStatus(ctx, issue.ID, domain.IssueInProgress); err != nil {
		e.abort(j, exec.ID, cancel)
		return nil, fmt.Errorf("marking issue in progress: %w", err)
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.abort(j, exec.ID, cancel)
		e.restoreIssueStatus(issue)
		return nil, fmt.Errorf("creating execution: %w", err)
	}
	if !e.feeds.Live(exec.ID) {
		// Killed or cancelled before the record existed, so the terminator's
		// write found nothing to update.
		e.settleTerminated(j, exec, issue, context.Cause(attemptCtx))
		cancel(nil)
		return &ExecuteResult{
			ExecutionID:        exec.ID,
			IssueID:            issue.ID,
			Status:             domain.ExecFailed,
			Domain:             j.domain,
			MaxRetries:         maxRetries,
			PreviousExecutions: len(issue.Executions),
		}, nil
	}

	log.Printf("[engine] issue %s: accepted execution %s (domain %q, max retries %d)",
		issue.ID, exec.ID, j.domain, maxRetries)
	e.notifyStart(issue.ID)

	e.wg.Add(1)
	go e.drive(attemptCtx, j, exec, PreviousFailureDigest(issue.Executions))

	return &ExecuteResult{
		ExecutionID:        exec.ID,
		IssueID:            issue.ID,
		Status:             domain.ExecRunning,
		Domain:             j.domain,
		MaxRetries:         maxRetries,
		PreviousExecutions: len(issue.Executions),
	}, nil
}

// admit registers the attempt unless the issue is running, waiting for a
// retry, still settling a finished chain, or its domain is busy
func (e *Engine) admit(j *job, executionID string, cancel context.CancelCauseFunc) error {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if p, ok := e.pending[j.issueID]; ok {
		return fmt.Errorf("issue %s (retry %s pending): %w", j.issueID, p.executionID, ErrAlreadyRunning)
	}
	if e.chains[j.issueID] > 0 {
		return fmt.Errorf("issue %s (previous run still settling): %w", j.issueID, ErrAlreadyRunning)
	}
	if err := e.registry.TryAcquire(j.issueID, executionID, j.domain, cancel); err != nil {
		return err
	}
	e.chains[j.issueID]++
	return nil
}

// abort undoes an admission whose record could not be written
func (e *Engine) abort(j *job, executionID string, cancel context.CancelCauseFunc) {
	e.feeds.remove(executionID)
	e.registry.Release(j.issueID, executionID)
	cancel(nil)
	e.endChain(j.issueID)
}

// settleTerminated records an attempt that was terminated while Execute was
// still writing it and puts the issue back where the terminator expects it
func (e *Engine) settleTerminated(j *job, exec *domain.Execution, issue *domain.Issue, cause error) {
	defer e.endChain(j.issueID)
	reason := reasonFor(cause)
	if reason == "" {
		reason = reasonForceKilled
	}
	log.Printf("[engine] issue %s: execution %s terminated before it started: %s", j.issueID, exec.ID, reason)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	failed := domain.ExecFailed
	now := time.Now()
	patch := domain.ExecutionPatch{Status: &failed, AppendError: reason, CompletedAt: &now}
	if err := e.store.UpdateExecution(ctx, exec.ID, patch); err != nil && !errors.Is(err, taskstore.ErrExecutionTerminal) {
		log.Printf("[engine] execution %s: recording termination: %v", exec.ID, err)
	}

	if errors.Is(cause, ErrCancelled) {
		if err := e.store.SetIssueStatus(ctx, issue.ID, domain.IssuePending); err != nil {
			log.Printf("[engine] issue %s: resetting status: %v", issue.ID, err)
		}
		return
	}
	e.restoreIssueStatus(issue)
}

func (e *Engine) endChain(issueID string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.chains[issueID] <= 1 {
		delete(e.chains, issueID)
		return
	}
	e.chains[issueID]--
}

// busy reports whether anything is still happening for the issue: a live
// attempt, a pending retry, or a chain that has not finished settling
func (e *Engine) busy(issueID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if e.chains[issueID] > 0 {
		return true
	}
	if _, ok := e.pending[issueID]; ok {
		return true
	}
	_, ok := e.registry.Lookup(issueID)
	return ok
}

func (e *Engine) restoreIssueStatus(issue *domain.Issue) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.SetIssueStatus(ctx, issue.ID, issue.Status); err != nil {
		log.Printf("[engine] issue %s: restoring status %s: %v", issue.ID, issue.Status, err)
	}
}

// drive runs the retry chain for one accepted Execute call
func (e *Engine) drive(ctx context.Context, j *job, exec *domain.Execution, digest string) {
	defer e.wg.Done()
	defer e.endChain(j.issueID)

	attempt := 0
	for {
		res := e.runner.Run(ctx, RunSpec{
			IssueID:          j.issueID,
			ExecutionID:      exec.ID,
			Command:          j.command,
			Attempt:          attempt,
			PreviousFailures: digest,
		})

		dec := e.policy(j).Decide(attempt, res)
		if dec.Next == StateFailedRetrying && !e.stillInProgress(j.issueID) {
			dec = Decision{Next: StateFailedTerminal, Reason: "issue left IN_PROGRESS"}
		}
		log.Printf("[engine] issue %s: attempt %d %s -> %s (%s)", j.issueID, attempt, res.Status, dec.Next, dec.Reason)
		e.notifyFinish(Outcome{
			IssueID:     j.issueID,
			ExecutionID: exec.ID,
			Attempt:     attempt,
			Status:      res.Status,
			Next:        dec.Next,
			Reason:      dec.Reason,
			ExitCode:    res.ExitCode,
			TimedOut:    res.TimedOut,
			Cancelled:   res.Cancelled,
			Duration:    res.Duration,
		})

		switch dec.Next {
		case StateSuccess:
			e.settleIssue(j.issueID, e.Settings().SuccessStatus)
			return
		case StateFailedTerminal:
			// Cancel and ForceKill own the issue status; shutdown does not
			if !res.Cancelled || errors.Is(context.Cause(ctx), ErrShuttingDown) {
				e.settleIssue(j.issueID, e.Settings().FailureStatus)
			}
			return
		}

		next, nextCtx, nextDigest, ok := e.scheduleRetry(j, attempt+1)
		if !ok {
			return
		}
		attempt++
		exec, ctx, digest = next, nextCtx, nextDigest
	}
}

func (e *Engine) policy(j *job) RetryPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return RetryPolicy{
		MaxRetries:  j.maxRetries,
		Backoff:     e.settings.RetryBackoff,
		ShouldRetry: e.classify,
	}
}

// scheduleRetry records the next attempt, waits out the backoff and admits
// it again. It returns false when the chain ends instead.
func (e *Engine) scheduleRetry(j *job, attempt int) (*domain.Execution, context.Context, string, bool) {
	ctx, cancelStore := context.WithTimeout(e.baseCtx, storeTimeout)
	defer cancelStore()

	issue, err := e.store.GetIssue(ctx, j.issueID)
	if err != nil {
		log.Printf("[engine] issue %s: abandoning retry: %v", j.issueID, err)
		return nil, nil, "", false
	}
	digest := PreviousFailureDigest(issue.Executions)

	exec := &domain.Execution{
		ID:        uuid.New().String(),
		IssueID:   j.issueID,
		Status:    domain.ExecRunning,
		Provider:  j.provider,
		Command:   j.command,
		Attempt:   attempt,
		StartedAt: time.Now(),
	}

	attemptCtx, cancel := context.WithCancelCause(e.baseCtx)
	e.pendingMu.Lock()
	e.pending[j.issueID] = &pendingRetry{executionID: exec.ID, cancel: cancel}
	e.pendingMu.Unlock()

	e.feeds.open(exec)
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		log.Printf("[engine] issue %s: recording retry: %v", j.issueID, err)
		e.dropPending(j.issueID, exec.ID)
		e.feeds.remove(exec.ID)
		cancel(nil)
		e.settleIssue(j.issueID, e.Settings().FailureStatus)
		return nil, nil, "", false
	}

	backoff := e.Settings().RetryBackoff
	log.Printf("[engine] issue %s: retrying in %s (attempt %d/%d, execution %s)",
		j.issueID, backoff, attempt, j.maxRetries, exec.ID)

	timer := time.NewTimer(backoff)
	select {
	case <-timer.C:
	case <-attemptCtx.Done():
	}
	timer.Stop()

	if err := e.promote(j, exec.ID, cancel); err != nil {
		if cause := context.Cause(attemptCtx); cause != nil {
			// Cancel and ForceKill finish the record themselves
			e.finishExternally(exec.ID, reasonFor(cause))
			return nil, nil, "", false
		}
		log.Printf("[engine] issue %s: retry skipped: %v", j.issueID, err)
		e.finishExternally(exec.ID, "Retry skipped: "+err.Error())
		e.notifyFinish(Outcome{
			IssueID:     j.issueID,
			ExecutionID: exec.ID,
			Attempt:     attempt,
			Status:      domain.ExecFailed,
			Next:        StateFailedTerminal,
			Reason:      "retry not admitted",
			ExitCode:    -1,
		})
		e.settleIssue(j.issueID, e.Settings().FailureStatus)
		return nil, nil, "", false
	}
	e.notifyStart(j.issueID)
	return exec, attemptCtx, digest, true
}

// promote moves a pending retry into the registry. It fails if the retry was
// cancelled during backoff or its domain was taken meanwhile.
func (e *Engine) promote(j *job, executionID string, cancel context.CancelCauseFunc) error {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	p, ok := e.pending[j.issueID]
	if !ok || p.executionID != executionID {
		return ErrNotRunning
	}
	delete(e.pending, j.issueID)
	return e.registry.TryAcquire(j.issueID, executionID, j.domain, cancel)
}

func (e *Engine) dropPending(issueID, executionID string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if p, ok := e.pending[issueID]; ok && p.executionID == executionID {
		delete(e.pending, issueID)
	}
}

func (e *Engine) hasPending(issueID string) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	_, ok := e.pending[issueID]
	return ok
}

// stillInProgress reports whether nothing else has moved the issue on
func (e *Engine) stillInProgress(issueID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return false
	}
	return issue.Status == domain.IssueInProgress
}

// settleIssue moves an IN_PROGRESS issue to target; any other status was
// set by someone else and is left alone
func (e *Engine) settleIssue(issueID string, target domain.IssueStatus) {
	if target == "" || !e.stillInProgress(issueID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.SetIssueStatus(ctx, issueID, target); err != nil {
		log.Printf("[engine] issue %s: setting status %s: %v", issueID, target, err)
	}
}

// ForceKill terminates the issue's task, if any, and records it as FAILED.
// Calling it when nothing runs is a no-op.
func (e *Engine) ForceKill(issueID string) bool {
	return e.terminate(issueID, ErrForceKilled, reasonForceKilled)
}

// Cancel terminates the issue's task and returns the issue to PENDING
func (e *Engine) Cancel(ctx context.Context, issueID string) error {
	if !e.terminate(issueID, ErrCancelled, reasonCancelled) {
		return ErrNotRunning
	}
	if err := e.store.SetIssueStatus(ctx, issueID, domain.IssuePending); err != nil && !errors.Is(err, taskstore.ErrNotFound) {
		return fmt.Errorf("resetting issue status: %w", err)
	}
	return nil
}

// terminate removes the issue's live attempt or pending retry, signals it
// and writes the terminal record directly
func (e *Engine) terminate(issueID string, cause error, reason string) bool {
	e.pendingMu.Lock()
	entry, running := e.registry.take(issueID)
	var p *pendingRetry
	if !running {
		p = e.pending[issueID]
		delete(e.pending, issueID)
	}
	e.pendingMu.Unlock()

	switch {
	case running:
		log.Printf("[engine] issue %s: terminating execution %s (pid %d): %s",
			issueID, entry.task.ExecutionID, entry.task.PID, reason)
		entry.cancel(cause)
		e.finishExternally(entry.task.ExecutionID, reason)
		return true
	case p != nil:
		log.Printf("[engine] issue %s: dropping pending retry %s: %s", issueID, p.executionID, reason)
		p.cancel(cause)
		e.finishExternally(p.executionID, reason)
		return true
	}
	return false
}

// finishExternally marks an execution FAILED on behalf of whoever stopped it.
// The feed's first-closer-wins rule keeps this from racing the runner.
func (e *Engine) finishExternally(executionID, reason string) {
	t, ok, found := e.feeds.finish(executionID, domain.ExecFailed, reason)
	if found && !ok {
		return
	}

	var patch domain.ExecutionPatch
	if found {
		patch = domain.Terminal(domain.ExecFailed, t.response(), t.errors, time.Now())
	} else {
		failed := domain.ExecFailed
		now := time.Now()
		patch = domain.ExecutionPatch{Status: &failed, AppendError: reason, CompletedAt: &now}
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.UpdateExecution(ctx, executionID, patch); err != nil && !errors.Is(err, taskstore.ErrExecutionTerminal) {
		log.Printf("[engine] execution %s: recording termination: %v", executionID, err)
	}
	e.feeds.remove(executionID)
}

// Status returns the issue's status, whether it runs, and its latest execution
func (e *Engine) Status(ctx context.Context, issueID string) (*TaskStatus, error) {
	issue, err := e.store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	st := &TaskStatus{
		IssueID:      issue.ID,
		IssueStatus:  issue.Status,
		RetryPending: e.hasPending(issueID),
	}
	if rt, ok := e.registry.Lookup(issueID); ok {
		st.IsRunning = true
		st.Running = &rt
	}
	if len(issue.Executions) > 0 {
		st.LatestExecution = issue.Executions[0]
	}
	return st, nil
}

// ListRunning returns the running tasks and busy domains
func (e *Engine) ListRunning() RunningSnapshot {
	return RunningSnapshot{
		Tasks:   e.registry.List(),
		Domains: e.registry.RunningDomains(),
	}
}

// StreamLog subscribes to an execution's log
func (e *Engine) StreamLog(ctx context.Context, executionID string) (<-chan LogEvent, error) {
	return e.feeds.Subscribe(ctx, executionID)
}

// StreamIssueLog subscribes to the log of the issue's latest execution
func (e *Engine) StreamIssueLog(ctx context.Context, issueID string) (<-chan LogEvent, error) {
	execs, err := e.store.ListExecutions(ctx, taskstore.ExecutionFilter{IssueID: issueID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(execs) == 0 {
		return nil, fmt.Errorf("issue %s has no executions: %w", issueID, taskstore.ErrNotFound)
	}
	return e.feeds.Subscribe(ctx, execs[0].ID)
}

// Reconcile fails RUNNING executions started before olderThan ago that no
// live process owns, and returns their IN_PROGRESS issues to the failure
// status. It returns how many executions were closed.
func (e *Engine) Reconcile(ctx context.Context, olderThan time.Duration) (int, error) {
	execs, err := e.store.ListExecutions(ctx, taskstore.ExecutionFilter{
		Status:        domain.ExecRunning,
		StartedBefore: time.Now().Add(-olderThan),
	})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, ex := range execs {
		if e.feeds.Live(ex.ID) {
			continue
		}
		note := reasonOrphaned
		if ex.Error != "" && !strings.HasSuffix(ex.Error, "\n") {
			note = "\n" + note
		}
		failed := domain.ExecFailed
		now := time.Now()
		err := e.store.UpdateExecution(ctx, ex.ID, domain.ExecutionPatch{
			Status:      &failed,
			AppendError: note,
			CompletedAt: &now,
		})
		if err != nil {
			if !errors.Is(err, taskstore.ErrExecutionTerminal) {
				log.Printf("[engine] reconcile: execution %s: %v", ex.ID, err)
			}
			continue
		}
		closed++
		log.Printf("[engine] reconcile: closed orphaned execution %s of issue %s", ex.ID, ex.IssueID)

		if !e.busy(ex.IssueID) {
			e.settleIssue(ex.IssueID, e.Settings().FailureStatus)
		}
	}
	return closed, nil
}

// Shutdown terminates every live attempt and waits for the chains to wind
// down, then flushes pending record writes
func (e *Engine) Shutdown(ctx context.Context) error {
	log.Printf("[engine] shutting down (%d running)", e.registry.Count())
	e.stop(ErrShuttingDown)
	e.registry.cancelAll(ErrShuttingDown)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	e.records.close()
	return err
}

func (e *Engine) notifyStart(issueID string) {
	rt, ok := e.registry.Lookup(issueID)
	if !ok {
		return
	}
	e.mu.RLock()
	hooks := append([]func(domain.RunningTask){}, e.onStart...)
	e.mu.RUnlock()
	for _, fn := range hooks {
		fn(rt)
	}
}

func (e *Engine) notifyFinish(o Outcome) {
	e.mu.RLock()
	hooks := append([]func(Outcome){}, e.onFinish...)
	e.mu.RUnlock()
	for _, fn := range hooks {
		fn(o)
	}
}
