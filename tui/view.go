package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238")).
			Bold(true)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("Issue Orchestrator") +
		headerStyle.Render(fmt.Sprintf("running %d | domains %s", len(m.running), domainList(m.domains)))
	b.WriteString(header + "\n")
	b.WriteString(m.renderTabs() + "\n\n")

	switch m.activeTab {
	case TabRunning:
		b.WriteString(sectionStyle.Render(m.renderRunning()))
	case TabIssues:
		b.WriteString(sectionStyle.Render(m.renderIssues()))
	}
	b.WriteString("\n")

	if m.tail != nil {
		b.WriteString(sectionStyle.Render(m.renderTail()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	names := []string{"Running", "Issues"}
	parts := make([]string, len(names))
	for i, name := range names {
		if Tab(i) == m.activeTab {
			parts[i] = tabActiveStyle.Render(name)
		} else {
			parts[i] = tabInactiveStyle.Render(name)
		}
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderRunning() string {
	if len(m.running) == 0 {
		return dimmedStyle.Render("No tasks running")
	}
	lines := []string{fmt.Sprintf("%-38s %-14s %-8s %s", "ISSUE", "DOMAIN", "PID", "STARTED")}
	for i, rt := range m.running {
		line := fmt.Sprintf("%-38s %-14s %-8d %s", rt.IssueID, orDash(rt.Domain), rt.PID, since(rt.StartTime))
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		} else {
			line = runningStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderIssues() string {
	if len(m.issues) == 0 {
		return dimmedStyle.Render("No issues")
	}
	lines := []string{fmt.Sprintf("%-38s %-12s %-14s %s", "ID", "STATUS", "DOMAIN", "TITLE")}
	for i, issue := range m.issues {
		line := fmt.Sprintf("%-38s %-12s %-14s %s", issue.ID, issue.Status, orDash(issue.Domain), issue.Title)
		if i == m.selectedRow {
			line = selectedStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderTail() string {
	title := fmt.Sprintf("Log %s (issue %s)", m.tail.executionID, m.tail.issueID)
	if m.tail.status != "" {
		title += " " + m.tail.status
	}
	if m.tail.text == "" {
		return titleStyle.Render(title) + "\n" + dimmedStyle.Render("(no output yet)")
	}
	return titleStyle.Render(title) + "\n" + m.logView.View()
}

// logLines is how many log lines fit under the task list
func (m Model) logLines() int {
	if m.height == 0 {
		return 15
	}
	n := m.height - m.rowCount() - 12
	if n < 5 {
		n = 5
	}
	return n
}

func (m Model) renderStatusBar() string {
	keys := "[tab] switch  [j/k] move  [enter] tail log  [esc] close log  [pgup/pgdn] scroll  [c] cancel  [r] refresh  [q] quit"
	status := ""
	switch {
	case m.err != nil:
		status = errorStyle.Render("error: " + m.err.Error())
	case m.message != "":
		status = warningStyle.Render(m.message)
	case !m.lastRefresh.IsZero():
		status = dimmedStyle.Render("updated " + m.lastRefresh.Format("15:04:05"))
	}
	return statusBarStyle.Render(keys) + "\n" + status
}

func domainList(domains []string) string {
	if len(domains) == 0 {
		return "-"
	}
	return strings.Join(domains, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// since renders an RFC3339 timestamp as "2 minutes ago"
func since(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}
