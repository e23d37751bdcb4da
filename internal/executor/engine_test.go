package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

func newTestEngine(t *testing.T, configure func(*Settings)) (*Engine, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.New(":memory:")
	require.NoError(t, err)

	settings := DefaultSettings()
	settings.Runner.Timeout = 10 * time.Second
	settings.Runner.KillGrace = 500 * time.Millisecond
	settings.RetryBackoff = 10 * time.Millisecond
	if configure != nil {
		configure(&settings)
	}

	e := New(store, settings)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
		store.Close()
	})
	return e, store
}

func createIssue(t *testing.T, store *taskstore.Store, domainTag string) *domain.Issue {
	t.Helper()
	issue := &domain.Issue{Title: "issue " + domainTag, Domain: domainTag}
	require.NoError(t, store.CreateIssue(context.Background(), issue))
	return issue
}

func retries(n int) *int { return &n }

// waitIdle waits until the issue has no live attempt or pending retry
func waitIdle(t *testing.T, e *Engine, issueID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !e.busy(issueID)
	}, 15*time.Second, 10*time.Millisecond, "issue %s still busy", issueID)
}

func waitTerminal(t *testing.T, store *taskstore.Store, executionID string) *domain.Execution {
	t.Helper()
	var exec *domain.Execution
	require.Eventually(t, func() bool {
		var err error
		exec, err = store.GetExecution(context.Background(), executionID)
		return err == nil && exec.Status.IsTerminal()
	}, 15*time.Second, 10*time.Millisecond, "execution %s never finished", executionID)
	return exec
}

func executions(t *testing.T, store *taskstore.Store, issueID string) []*domain.Execution {
	t.Helper()
	execs, err := store.ListExecutions(context.Background(), taskstore.ExecutionFilter{IssueID: issueID})
	require.NoError(t, err)
	return execs
}

func issueStatus(t *testing.T, store *taskstore.Store, issueID string) domain.IssueStatus {
	t.Helper()
	issue, err := store.GetIssue(context.Background(), issueID)
	require.NoError(t, err)
	return issue.Status
}

func TestEngine_SuccessRecordsOutput(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID: issue.ID,
		Command: `printf 'hello\n'; printf 'warn' >&2`,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecRunning, res.Status)
	assert.Equal(t, 3, res.MaxRetries)

	exec := waitTerminal(t, store, res.ExecutionID)
	waitIdle(t, e, issue.ID)

	assert.Equal(t, domain.ExecSuccess, exec.Status)
	assert.Equal(t, "hello\n", exec.Output)
	assert.Equal(t, "warn", exec.Error)
	assert.Equal(t, domain.DefaultProvider, exec.Provider)
	assert.NotNil(t, exec.CompletedAt)
	assert.Len(t, executions(t, store, issue.ID), 1)
	assert.Equal(t, domain.IssueTodo, issueStatus(t, store, issue.ID))
	assert.Empty(t, e.ListRunning().Tasks)
}

func TestEngine_SuccessWithOnlyStderrUsesItAsResponse(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: `printf 'only stderr' >&2`})
	require.NoError(t, err)

	exec := waitTerminal(t, store, res.ExecutionID)
	assert.Equal(t, domain.ExecSuccess, exec.Status)
	assert.Equal(t, "only stderr", exec.Output)
}

func TestEngine_FailureWithOnlyStderrUsesItAsResponse(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID:    issue.ID,
		Command:    `printf 'boom' >&2; exit 1`,
		MaxRetries: retries(0),
	})
	require.NoError(t, err)

	exec := waitTerminal(t, store, res.ExecutionID)
	assert.Equal(t, domain.ExecFailed, exec.Status)
	assert.Equal(t, "boom", exec.Output)
	assert.Contains(t, exec.Error, "boom")
}

func TestEngine_ForceKillKeepsStderrAsResponse(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: `echo 'warming up' >&2; sleep 30`})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		exec, err := store.GetExecution(context.Background(), res.ExecutionID)
		return err == nil && strings.Contains(exec.Error, "warming up")
	}, 10*time.Second, 10*time.Millisecond)
	require.True(t, e.ForceKill(issue.ID))

	exec := waitTerminal(t, store, res.ExecutionID)
	assert.Equal(t, domain.ExecFailed, exec.Status)
	assert.Equal(t, "warming up\n", exec.Output)
	assert.Contains(t, exec.Error, reasonForceKilled)
}

func TestEngine_EnvironmentIsInjected(t *testing.T) {
	e, store := newTestEngine(t, func(s *Settings) {
		s.Runner.APIBaseURL = "http://example.test:9000"
	})
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID: issue.ID,
		Command: `printf '%s|%s|%s' "$ISSUE_ID" "$API_BASE_URL" "$RETRY_ATTEMPT"`,
	})
	require.NoError(t, err)

	exec := waitTerminal(t, store, res.ExecutionID)
	assert.Equal(t, issue.ID+"|http://example.test:9000|0", exec.Output)
}

func TestEngine_RetriesUntilBudgetExhausted(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	var mu sync.Mutex
	var outcomes []Outcome
	e.OnFinish(func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})

	_, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID:    issue.ID,
		Command:    `echo "attempt $RETRY_ATTEMPT"; [ -n "$PREVIOUS_FAILURES" ] && echo has-history; echo "AssertionError: boom" >&2; exit 1`,
		MaxRetries: retries(2),
	})
	require.NoError(t, err)
	waitIdle(t, e, issue.ID)

	execs := executions(t, store, issue.ID)
	require.Len(t, execs, 3)
	for i, exec := range execs {
		wantAttempt := 2 - i
		assert.Equal(t, wantAttempt, exec.Attempt)
		assert.Equal(t, domain.ExecFailed, exec.Status)
		assert.Contains(t, exec.Error, "AssertionError")
		assert.Contains(t, exec.Output, fmt.Sprintf("attempt %d", wantAttempt))
	}
	assert.NotContains(t, execs[2].Output, "has-history")
	assert.Contains(t, execs[0].Output, "has-history")
	assert.Equal(t, domain.IssuePending, issueStatus(t, store, issue.ID))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, outcomes, 3)
	assert.Equal(t, StateFailedRetrying, outcomes[0].Next)
	assert.Equal(t, StateFailedRetrying, outcomes[1].Next)
	assert.Equal(t, StateFailedTerminal, outcomes[2].Next)
}

func TestEngine_NonRetryableFailureStopsImmediately(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	_, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID: issue.ID,
		Command: `echo "Error: ENOENT: no such file" >&2; exit 1`,
	})
	require.NoError(t, err)
	waitIdle(t, e, issue.ID)

	execs := executions(t, store, issue.ID)
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecFailed, execs[0].Status)
	assert.Equal(t, domain.IssuePending, issueStatus(t, store, issue.ID))
}

func TestEngine_ExitCodeNoteWhenStderrEmpty(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "exit 3", MaxRetries: retries(0)})
	require.NoError(t, err)

	exec := waitTerminal(t, store, res.ExecutionID)
	assert.Equal(t, "Process exited with code 3", exec.Error)
}

func TestEngine_SpawnErrorRetries(t *testing.T) {
	e, store := newTestEngine(t, func(s *Settings) {
		s.Runner.Shell = "/nonexistent/shell"
	})
	issue := createIssue(t, store, "")

	_, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "true", MaxRetries: retries(1)})
	require.NoError(t, err)
	waitIdle(t, e, issue.ID)

	execs := executions(t, store, issue.ID)
	require.Len(t, execs, 2)
	for _, exec := range execs {
		assert.Equal(t, domain.ExecFailed, exec.Status)
		assert.Contains(t, exec.Error, "Process error:")
	}
}

func TestEngine_TimeoutTerminatesProcess(t *testing.T) {
	e, store := newTestEngine(t, func(s *Settings) {
		s.Runner.Timeout = 200 * time.Millisecond
	})
	issue := createIssue(t, store, "")

	start := time.Now()
	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "sleep 30", MaxRetries: retries(3)})
	require.NoError(t, err)

	exec := waitTerminal(t, store, res.ExecutionID)
	waitIdle(t, e, issue.ID)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.ExecFailed, exec.Status)
	assert.Contains(t, exec.Error, "timed out")
	assert.Len(t, executions(t, store, issue.ID), 1, "timeouts are not retried by default")
}

func TestEngine_DomainConflictRejected(t *testing.T) {
	e, store := newTestEngine(t, nil)
	first := createIssue(t, store, "billing")
	second := createIssue(t, store, "billing")
	untagged := createIssue(t, store, "")

	_, err := e.Execute(context.Background(), ExecuteRequest{IssueID: first.ID, Command: "sleep 30"})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: second.ID, Command: "true"})
	conflict, ok := AsDomainConflict(err)
	require.True(t, ok, "expected domain conflict, got %v", err)
	assert.Equal(t, first.ID, conflict.HeldBy)
	assert.Empty(t, executions(t, store, second.ID), "rejected requests leave no record")
	assert.Equal(t, domain.IssueTodo, issueStatus(t, store, second.ID))

	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: first.ID, Command: "true"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: untagged.ID, Command: "true"})
	require.NoError(t, err)

	snap := e.ListRunning()
	assert.Contains(t, snap.Domains, "billing")

	assert.True(t, e.ForceKill(first.ID))
	waitIdle(t, e, first.ID)

	// Domain is free once the holder is gone
	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: second.ID, Command: "true"})
	require.NoError(t, err)
}

func TestEngine_ConcurrentExecuteSameDomain(t *testing.T) {
	e, store := newTestEngine(t, nil)
	var issues []*domain.Issue
	for i := 0; i < 8; i++ {
		issues = append(issues, createIssue(t, store, "shared"))
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := []string{}
	for _, issue := range issues {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Execute(context.Background(), ExecuteRequest{IssueID: id, Command: "sleep 30"})
			if err == nil {
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
				return
			}
			_, ok := AsDomainConflict(err)
			assert.True(t, ok, "unexpected error %v", err)
		}(issue.ID)
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	e.ForceKill(accepted[0])
	waitIdle(t, e, accepted[0])
}

func TestEngine_ForceKillIsIdempotent(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "billing")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "echo started; sleep 30"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rt, ok := e.registry.Lookup(issue.ID)
		return ok && rt.PID > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, e.ForceKill(issue.ID))
	assert.False(t, e.ForceKill(issue.ID))
	assert.False(t, e.ForceKill("no-such-issue"))

	exec := waitTerminal(t, store, res.ExecutionID)
	waitIdle(t, e, issue.ID)

	assert.Equal(t, domain.ExecFailed, exec.Status)
	assert.Equal(t, 1, strings.Count(exec.Error, reasonForceKilled))
	assert.Len(t, executions(t, store, issue.ID), 1, "killed runs are not retried")
	assert.Empty(t, e.ListRunning().Domains)
}

func TestEngine_CancelReturnsIssueToPending(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "sleep 30"})
	require.NoError(t, err)
	assert.Equal(t, domain.IssueInProgress, issueStatus(t, store, issue.ID))

	require.NoError(t, e.Cancel(context.Background(), issue.ID))
	assert.ErrorIs(t, e.Cancel(context.Background(), issue.ID), ErrNotRunning)

	exec := waitTerminal(t, store, res.ExecutionID)
	waitIdle(t, e, issue.ID)
	assert.Contains(t, exec.Error, reasonCancelled)
	assert.Equal(t, domain.IssuePending, issueStatus(t, store, issue.ID))
}

func TestEngine_CancelDuringRetryBackoff(t *testing.T) {
	e, store := newTestEngine(t, func(s *Settings) {
		s.RetryBackoff = 10 * time.Second
	})
	issue := createIssue(t, store, "")

	_, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "echo 'test failed' >&2; exit 1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.hasPending(issue.ID) }, 5*time.Second, 10*time.Millisecond)

	st, err := e.Status(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.True(t, st.RetryPending)
	assert.False(t, st.IsRunning)

	require.NoError(t, e.Cancel(context.Background(), issue.ID))
	waitIdle(t, e, issue.ID)

	execs := executions(t, store, issue.ID)
	require.Len(t, execs, 2)
	assert.Equal(t, 1, execs[0].Attempt)
	assert.Equal(t, domain.ExecFailed, execs[0].Status)
	assert.Contains(t, execs[0].Error, reasonCancelled)
	assert.Equal(t, domain.IssuePending, issueStatus(t, store, issue.ID))
}

func TestEngine_RetryAbandonedWhenIssueMovesOn(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	started := make(chan struct{})
	var once sync.Once
	e.OnStart(func(rt domain.RunningTask) {
		if rt.IssueID == issue.ID {
			once.Do(func() { close(started) })
		}
	})

	_, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID: issue.ID,
		Command: "sleep 0.3; echo 'build failed' >&2; exit 1",
	})
	require.NoError(t, err)
	<-started
	require.NoError(t, store.SetIssueStatus(context.Background(), issue.ID, domain.IssueDone))
	waitIdle(t, e, issue.ID)

	assert.Len(t, executions(t, store, issue.ID), 1)
	assert.Equal(t, domain.IssueDone, issueStatus(t, store, issue.ID), "externally set status is kept")
}

func TestEngine_StreamLogMatchesRecord(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{
		IssueID: issue.ID,
		Command: "printf 'a'; sleep 0.1; printf 'b' >&2; sleep 0.1; printf 'c'",
	})
	require.NoError(t, err)

	ch, err := e.StreamLog(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	events := collect(t, ch)

	exec := waitTerminal(t, store, res.ExecutionID)
	require.NotEmpty(t, events)
	assert.Equal(t, EventInit, events[0].Type)
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
	assert.Equal(t, domain.ExecSuccess, events[len(events)-1].Status)
	assert.Equal(t, exec.Output, joined(events, EventOutput))
	assert.Equal(t, exec.Error, joined(events, EventError))
	assert.Equal(t, "ac", exec.Output)

	// A finished execution replays from the store
	ch, err = e.StreamIssueLog(context.Background(), issue.ID)
	require.NoError(t, err)
	replay := collect(t, ch)
	assert.Equal(t, "ac", joined(replay, EventOutput))
}

func TestEngine_RejectsBadRequests(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	_, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "   "})
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: "missing", Command: "true"})
	assert.ErrorIs(t, err, taskstore.ErrNotFound)

	_, err = e.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)

	assert.Equal(t, domain.IssueTodo, issueStatus(t, store, issue.ID))
}

func TestEngine_ReconcileClosesOrphans(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")
	ctx := context.Background()

	require.NoError(t, store.SetIssueStatus(ctx, issue.ID, domain.IssueInProgress))
	orphan := &domain.Execution{IssueID: issue.ID, Command: "true", StartedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, store.CreateExecution(ctx, orphan))
	require.NoError(t, store.UpdateExecution(ctx, orphan.ID, domain.ExecutionPatch{AppendError: "partial"}))

	n, err := e.Reconcile(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := store.GetExecution(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, got.Status)
	assert.Equal(t, "partial\n"+reasonOrphaned, got.Error)
	assert.Equal(t, domain.IssuePending, issueStatus(t, store, issue.ID))

	n, err = e.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_ReconcileSkipsLiveExecutions(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "sleep 30"})
	require.NoError(t, err)

	n, err := e.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	exec, err := store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecRunning, exec.Status)
	e.ForceKill(issue.ID)
}

// failingStore refuses every execution update
type failingStore struct {
	*taskstore.Store
}

func (failingStore) UpdateExecution(ctx context.Context, id string, patch domain.ExecutionPatch) error {
	return errors.New("disk full")
}

func TestEngine_PersistenceFailureStillReleases(t *testing.T) {
	store, err := taskstore.New(":memory:")
	require.NoError(t, err)
	defer store.Close()

	settings := DefaultSettings()
	settings.RetryBackoff = 10 * time.Millisecond
	e := New(failingStore{store}, settings)
	defer e.Shutdown(context.Background())

	outcomes := make(chan Outcome, 4)
	e.OnFinish(func(o Outcome) { outcomes <- o })

	issue := createIssue(t, store, "billing")
	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "echo hi", MaxRetries: retries(0)})
	require.NoError(t, err)

	select {
	case o := <-outcomes:
		assert.Equal(t, domain.ExecSuccess, o.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome reported")
	}
	waitIdle(t, e, issue.ID)
	assert.Empty(t, e.ListRunning().Domains)
}

func TestEngine_ShutdownTerminatesRunningTasks(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "")

	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "sleep 30"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	exec, err := store.GetExecution(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, exec.Status)
	assert.Contains(t, exec.Error, reasonShutdown)
	assert.Equal(t, domain.IssuePending, issueStatus(t, store, issue.ID))

	_, err = e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "true"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEngine_UpdateSettings(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	s := e.Settings()
	s.MaxRetries = 7
	s.Runner.Timeout = time.Minute
	e.UpdateSettings(s)

	assert.Equal(t, 7, e.Settings().MaxRetries)
	assert.Equal(t, time.Minute, e.runner.Config().Timeout)
}

// interruptingStore runs interrupt once, just before the issue is first
// marked IN_PROGRESS
type interruptingStore struct {
	*taskstore.Store
	once      sync.Once
	interrupt func(issueID string)
}

func (s *interruptingStore) SetIssueStatus(ctx context.Context, id string, status domain.IssueStatus) error {
	if status == domain.IssueInProgress {
		s.once.Do(func() { s.interrupt(id) })
	}
	return s.Store.SetIssueStatus(ctx, id, status)
}

func TestEngine_TerminatedBeforeRecordCreated(t *testing.T) {
	tests := []struct {
		name       string
		terminate  func(e *Engine, issueID string)
		wantReason string
		wantIssue  domain.IssueStatus
	}{
		{
			name:       "force kill",
			terminate:  func(e *Engine, issueID string) { e.ForceKill(issueID) },
			wantReason: reasonForceKilled,
			wantIssue:  domain.IssueTodo,
		},
		{
			name: "cancel",
			terminate: func(e *Engine, issueID string) {
				_ = e.Cancel(context.Background(), issueID)
			},
			wantReason: reasonCancelled,
			wantIssue:  domain.IssuePending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := taskstore.New(":memory:")
			require.NoError(t, err)
			defer base.Close()

			store := &interruptingStore{Store: base}
			settings := DefaultSettings()
			settings.RetryBackoff = 10 * time.Millisecond
			e := New(store, settings)
			defer e.Shutdown(context.Background())
			store.interrupt = func(issueID string) { tt.terminate(e, issueID) }

			issue := createIssue(t, base, "billing")
			res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "sleep 30"})
			require.NoError(t, err)
			assert.Equal(t, domain.ExecFailed, res.Status)

			exec, err := base.GetExecution(context.Background(), res.ExecutionID)
			require.NoError(t, err)
			assert.Equal(t, domain.ExecFailed, exec.Status)
			assert.NotNil(t, exec.CompletedAt)
			assert.Contains(t, exec.Error, tt.wantReason)

			assert.Equal(t, tt.wantIssue, issueStatus(t, base, issue.ID))
			assert.Empty(t, e.ListRunning().Tasks)
			assert.Empty(t, e.ListRunning().Domains)
			assert.False(t, e.busy(issue.ID))
			assert.False(t, e.feeds.Live(res.ExecutionID))

			// The issue is usable again straight away
			next, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "true"})
			require.NoError(t, err)
			assert.Equal(t, domain.ExecSuccess, waitTerminal(t, base, next.ExecutionID).Status)
		})
	}
}

func TestEngine_RejectsWhileChainSettling(t *testing.T) {
	e, store := newTestEngine(t, nil)
	issue := createIssue(t, store, "billing")

	e.pendingMu.Lock()
	e.chains[issue.ID]++
	e.pendingMu.Unlock()

	_, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "true"})
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, executions(t, store, issue.ID))
	assert.Equal(t, domain.IssueTodo, issueStatus(t, store, issue.ID))

	e.endChain(issue.ID)
	res, err := e.Execute(context.Background(), ExecuteRequest{IssueID: issue.ID, Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSuccess, waitTerminal(t, store, res.ExecutionID).Status)
}
