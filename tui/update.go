package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logView.Width = msg.Width - 4
		m.logView.Height = m.logLines()

	case TickMsg:
		return m, tea.Batch(refreshCmd(m.backend), tickCmd())

	case RefreshMsg:
		m.err = msg.Err
		if msg.Running != nil {
			m.running = msg.Running.RunningTasks
			m.domains = msg.Running.RunningDomains
		}
		if msg.Issues != nil {
			m.issues = msg.Issues
		}
		m.lastRefresh = time.Now()
		m.clampSelection()
		if m.height > 0 {
			m.logView.Height = m.logLines()
		}

	case CancelledMsg:
		if msg.Err != nil {
			m.message = fmt.Sprintf("cancel %s: %v", msg.IssueID, msg.Err)
		} else {
			m.message = fmt.Sprintf("cancelled %s", msg.IssueID)
		}
		return m, refreshCmd(m.backend)

	case LogEventMsg:
		if m.tail == nil || msg.ExecutionID != m.tail.executionID {
			return m, nil
		}
		switch msg.Event.Type {
		case executor.EventInit:
			if msg.Event.Execution != nil {
				m.tail.status = string(msg.Event.Execution.Status)
			}
		case executor.EventOutput, executor.EventError:
			m.tail.append(msg.Event.Data)
			m.logView.SetContent(m.tail.text)
			m.logView.GotoBottom()
		case executor.EventComplete:
			m.tail.status = string(msg.Event.Status)
		}
		return m, waitLog(m.tail)

	case LogDoneMsg:
		if m.tail == nil || msg.ExecutionID != m.tail.executionID {
			return m, nil
		}
		m.tail.done = true
		if msg.Err != nil {
			m.message = fmt.Sprintf("log %s: %v", msg.ExecutionID, msg.Err)
		}
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.stopTail()
		return m, tea.Quit
	case "r":
		return m, refreshCmd(m.backend)
	case "j", "down":
		if m.selectedRow < m.rowCount()-1 {
			m.selectedRow++
		}
	case "k", "up":
		if m.selectedRow > 0 {
			m.selectedRow--
		}
	case "tab":
		m.activeTab = (m.activeTab + 1) % 2
		m.selectedRow = 0
	case "enter":
		if m.activeTab != TabRunning || len(m.running) == 0 {
			return m, nil
		}
		rt := m.running[m.selectedRow]
		m.stopTail()
		m.tail = startTail(m.backend, rt.IssueID, rt.ExecutionID)
		m.logView.SetContent("")
		m.message = ""
		return m, waitLog(m.tail)
	case "esc":
		m.stopTail()
	case "pgup", "pgdown":
		if m.tail == nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	case "c":
		if m.activeTab != TabRunning || len(m.running) == 0 {
			return m, nil
		}
		issueID := m.running[m.selectedRow].IssueID
		m.message = fmt.Sprintf("cancelling %s...", issueID)
		return m, cancelCmd(m.backend, issueID)
	}
	return m, nil
}

func (m *Model) stopTail() {
	if m.tail != nil {
		m.tail.cancel()
		m.tail = nil
	}
}

func (m Model) rowCount() int {
	if m.activeTab == TabIssues {
		return len(m.issues)
	}
	return len(m.running)
}

func (m *Model) clampSelection() {
	if n := m.rowCount(); m.selectedRow >= n {
		m.selectedRow = n - 1
	}
	if m.selectedRow < 0 {
		m.selectedRow = 0
	}
}

