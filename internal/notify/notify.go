package notify

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title       string
	Message     string
	Type        NotificationType
	IssueID     string // Optional issue reference
	ExecutionID string // Optional execution reference
	Fields      []Field
	Time        time.Time
}

// Field is a labelled detail that channels may render next to the message
type Field struct {
	Label string
	Value string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromOutcome builds the notification for a finished attempt. Attempts that
// will be retried produce none; successes only when onSuccess is set.
func FromOutcome(o executor.Outcome, onSuccess bool) (Notification, bool) {
	n := Notification{IssueID: o.IssueID, ExecutionID: o.ExecutionID}
	switch {
	case o.Next == executor.StateSuccess:
		if !onSuccess {
			return n, false
		}
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Issue %s completed", o.IssueID)
		n.Message = fmt.Sprintf("Attempt %d finished in %s", o.Attempt+1, o.Duration.Round(time.Second))
	case o.Next != executor.StateFailedTerminal:
		return n, false
	case o.Cancelled:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Issue %s stopped", o.IssueID)
		n.Message = "Execution was terminated before it finished"
	case o.TimedOut:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Issue %s timed out", o.IssueID)
		n.Message = fmt.Sprintf("Attempt %d was killed after %s", o.Attempt+1, o.Duration.Round(time.Second))
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Issue %s failed", o.IssueID)
		n.Message = fmt.Sprintf("Attempt %d %s: %s", o.Attempt+1, domain.ExecFailed, o.Reason)
	}
	n.Fields = outcomeFields(o)
	n.Time = time.Now()
	return n, true
}

func outcomeFields(o executor.Outcome) []Field {
	fields := []Field{{Label: "Attempt", Value: strconv.Itoa(o.Attempt + 1)}}
	if o.Status != "" {
		fields = append(fields, Field{Label: "Status", Value: string(o.Status)})
	}
	if o.ExitCode >= 0 && !o.Cancelled && !o.TimedOut {
		fields = append(fields, Field{Label: "Exit code", Value: strconv.Itoa(o.ExitCode)})
	}
	if o.Duration > 0 {
		fields = append(fields, Field{Label: "Duration", Value: o.Duration.Round(time.Millisecond).String()})
	}
	if o.TimedOut {
		fields = append(fields, Field{Label: "Timed out", Value: "yes"})
	}
	if o.Reason != "" {
		fields = append(fields, Field{Label: "Reason", Value: o.Reason})
	}
	return fields
}

// OutcomeHook returns an engine callback that forwards terminal outcomes to n.
// Delivery runs in its own goroutine so slow webhooks never hold up the engine.
func OutcomeHook(n Notifier, onSuccess bool) func(executor.Outcome) {
	return func(o executor.Outcome) {
		msg, ok := FromOutcome(o, onSuccess)
		if !ok {
			return
		}
		go func() {
			if err := n.Send(msg); err != nil {
				log.Printf("[notify] issue %s: %v", o.IssueID, err)
			}
		}()
	}
}
