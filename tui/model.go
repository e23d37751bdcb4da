package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

// refreshInterval is how often the dashboard polls the server
const refreshInterval = time.Second

// maxLogBytes caps the tailed log kept in memory
const maxLogBytes = 64 * 1024

// Backend is the part of the API client the dashboard uses
type Backend interface {
	Running(ctx context.Context) (*api.RunningResponse, error)
	Issues(ctx context.Context) ([]api.IssueResponse, error)
	Cancel(ctx context.Context, issueID string) error
	FollowLog(ctx context.Context, executionID string, fn func(executor.LogEvent) error) error
}

// Tab selects what the main panel lists
type Tab int

const (
	TabRunning Tab = iota
	TabIssues
)

// Model is the TUI application model
type Model struct {
	backend Backend

	// Data
	running []api.RunningTaskResponse
	domains []string
	issues  []api.IssueResponse

	// UI state
	width       int
	height      int
	activeTab   Tab
	selectedRow int
	message     string
	err         error

	// Log tail of the selected task
	tail    *logTail
	logView viewport.Model

	// Refresh
	lastRefresh time.Time
}

// logTail follows one execution's log in the background
type logTail struct {
	issueID     string
	executionID string
	events      chan tea.Msg
	ctx         context.Context
	cancel      context.CancelFunc
	text        string
	status      string
	done        bool
}

func (t *logTail) append(s string) {
	t.text += s
	if len(t.text) > maxLogBytes {
		t.text = t.text[len(t.text)-maxLogBytes:]
	}
}

// NewModel creates a dashboard over backend
func NewModel(backend Backend) Model {
	return Model{
		backend: backend,
		logView: viewport.New(100, 15),
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		refreshCmd(m.backend),
		tickCmd(),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// RefreshMsg carries a fresh snapshot from the server
type RefreshMsg struct {
	Running *api.RunningResponse
	Issues  []api.IssueResponse
	Err     error
}

func refreshCmd(b Backend) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		running, err := b.Running(ctx)
		if err != nil {
			return RefreshMsg{Err: err}
		}
		issues, err := b.Issues(ctx)
		return RefreshMsg{Running: running, Issues: issues, Err: err}
	}
}

// CancelledMsg reports the result of a cancel request
type CancelledMsg struct {
	IssueID string
	Err     error
}

func cancelCmd(b Backend, issueID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return CancelledMsg{IssueID: issueID, Err: b.Cancel(ctx, issueID)}
	}
}

// LogEventMsg is one event from the tailed execution
type LogEventMsg struct {
	ExecutionID string
	Event       executor.LogEvent
}

// LogDoneMsg ends a tail
type LogDoneMsg struct {
	ExecutionID string
	Err         error
}

// startTail follows executionID in a goroutine and feeds its events into the
// returned tail one message at a time through waitLog
func startTail(b Backend, issueID, executionID string) *logTail {
	ctx, cancel := context.WithCancel(context.Background())
	t := &logTail{
		issueID:     issueID,
		executionID: executionID,
		events:      make(chan tea.Msg, 64),
		ctx:         ctx,
		cancel:      cancel,
	}
	go func() {
		err := b.FollowLog(ctx, executionID, func(ev executor.LogEvent) error {
			select {
			case t.events <- LogEventMsg{ExecutionID: executionID, Event: ev}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			err = nil
		}
		select {
		case t.events <- LogDoneMsg{ExecutionID: executionID, Err: err}:
		case <-ctx.Done():
		}
	}()
	return t
}

func waitLog(t *logTail) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-t.events:
			return msg
		case <-t.ctx.Done():
			return nil
		}
	}
}
