package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

type fakeBackend struct {
	mu        sync.Mutex
	running   []api.RunningTaskResponse
	issues    []api.IssueResponse
	cancelled []string
	events    []executor.LogEvent
	runErr    error
}

func (f *fakeBackend) Running(ctx context.Context) (*api.RunningResponse, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &api.RunningResponse{RunningTasks: f.running, RunningDomains: []string{"billing"}}, nil
}

func (f *fakeBackend) Issues(ctx context.Context) ([]api.IssueResponse, error) {
	return f.issues, nil
}

func (f *fakeBackend) Cancel(ctx context.Context, issueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, issueID)
	return nil
}

func (f *fakeBackend) FollowLog(ctx context.Context, executionID string, fn func(executor.LogEvent) error) error {
	for _, ev := range f.events {
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		running: []api.RunningTaskResponse{
			{IssueID: "issue-1", ExecutionID: "exec-1", Domain: "billing", PID: 42, StartTime: time.Now().Add(-2 * time.Minute).Format(time.RFC3339)},
			{IssueID: "issue-2", ExecutionID: "exec-2", PID: 43, StartTime: time.Now().Format(time.RFC3339)},
		},
		issues: []api.IssueResponse{
			{ID: "issue-1", Title: "Fix invoices", Status: "IN_PROGRESS", Domain: "billing"},
		},
		events: []executor.LogEvent{
			{Type: executor.EventInit, Execution: &executor.ExecutionInfo{ID: "exec-1", Status: domain.ExecRunning}},
			{Type: executor.EventOutput, Data: "compiling\n"},
			{Type: executor.EventError, Data: "warning: slow\n"},
			{Type: executor.EventComplete, Status: domain.ExecSuccess},
		},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func refreshed(t *testing.T, b *fakeBackend) Model {
	t.Helper()
	m := NewModel(b)
	m, _ = update(t, m, refreshCmd(b)())
	return m
}

func TestModel_Refresh(t *testing.T) {
	m := refreshed(t, newFakeBackend())

	if len(m.running) != 2 || len(m.issues) != 1 {
		t.Fatalf("running = %d, issues = %d", len(m.running), len(m.issues))
	}
	if m.lastRefresh.IsZero() {
		t.Error("lastRefresh not set")
	}

	view := m.View()
	for _, want := range []string{"issue-1", "issue-2", "billing", "2 minutes ago"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestModel_RefreshError(t *testing.T) {
	b := newFakeBackend()
	b.runErr = errors.New("connection refused")
	m := refreshed(t, b)

	if !strings.Contains(m.View(), "connection refused") {
		t.Error("error not shown in view")
	}
}

func TestModel_Navigation(t *testing.T) {
	m := refreshed(t, newFakeBackend())

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.selectedRow != 1 {
		t.Errorf("selectedRow = %d, want 1", m.selectedRow)
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.selectedRow != 1 {
		t.Errorf("selectedRow moved past last row: %d", m.selectedRow)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.activeTab != TabIssues || m.selectedRow != 0 {
		t.Errorf("after tab: activeTab = %d, selectedRow = %d", m.activeTab, m.selectedRow)
	}
	if !strings.Contains(m.View(), "Fix invoices") {
		t.Error("issues tab missing issue title")
	}
}

func TestModel_CancelSelected(t *testing.T) {
	b := newFakeBackend()
	m := refreshed(t, b)
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cmd == nil {
		t.Fatal("expected cancel command")
	}
	msg := cmd()
	if cm, ok := msg.(CancelledMsg); !ok || cm.IssueID != "issue-2" {
		t.Fatalf("msg = %#v", msg)
	}
	if len(b.cancelled) != 1 || b.cancelled[0] != "issue-2" {
		t.Errorf("cancelled = %v", b.cancelled)
	}

	m, _ = update(t, m, msg)
	if !strings.Contains(m.message, "cancelled issue-2") {
		t.Errorf("message = %q", m.message)
	}
}

func TestModel_TailLog(t *testing.T) {
	m := refreshed(t, newFakeBackend())

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.tail == nil || m.tail.executionID != "exec-1" {
		t.Fatalf("tail = %+v", m.tail)
	}

	for cmd != nil {
		var msg tea.Msg
		done := make(chan struct{})
		go func() {
			msg = cmd()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("log command blocked")
		}
		m, cmd = update(t, m, msg)
		if _, ok := msg.(LogDoneMsg); ok {
			break
		}
	}

	if !m.tail.done {
		t.Error("tail not marked done")
	}
	if m.tail.status != string(domain.ExecSuccess) {
		t.Errorf("status = %q, want SUCCESS", m.tail.status)
	}
	if m.tail.text != "compiling\nwarning: slow\n" {
		t.Errorf("text = %q", m.tail.text)
	}
	if !strings.Contains(m.View(), "compiling") {
		t.Error("view missing tailed output")
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.tail != nil {
		t.Error("esc did not close the tail")
	}
}

func TestModel_IgnoresStaleLogEvents(t *testing.T) {
	m := refreshed(t, newFakeBackend())
	m.tail = &logTail{executionID: "exec-2", ctx: context.Background(), cancel: func() {}}

	m, cmd := update(t, m, LogEventMsg{ExecutionID: "exec-1", Event: executor.LogEvent{Type: executor.EventOutput, Data: "old"}})
	if cmd != nil || m.tail.text != "" {
		t.Errorf("stale event applied: %q", m.tail.text)
	}
}

func TestLogTail_AppendCaps(t *testing.T) {
	tail := &logTail{}
	tail.append(strings.Repeat("a", maxLogBytes))
	tail.append("tail")
	if len(tail.text) != maxLogBytes || !strings.HasSuffix(tail.text, "tail") {
		t.Errorf("len = %d", len(tail.text))
	}
}
