package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// shortFieldLen is the longest value Slack shows side by side with another
const shortFieldLen = 24

// SlackNotifier posts notifications to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the colored body of a message
type SlackAttachment struct {
	Fallback string       `json:"fallback,omitempty"`
	Color    string       `json:"color"`
	Title    string       `json:"title"`
	Text     string       `json:"text"`
	Fields   []SlackField `json:"fields,omitempty"`
	Footer   string       `json:"footer,omitempty"`
	Ts       int64        `json:"ts,omitempty"`
}

// SlackField is one labelled value in an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a notifier for webhookURL. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ToJSON converts the message to JSON
func (m *SlackMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SlackColor returns the Slack color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// NewSlackMessage renders n as a single-attachment message
func NewSlackMessage(n Notification) SlackMessage {
	att := SlackAttachment{
		Fallback: n.Title + ": " + n.Message,
		Color:    SlackColor(n.Type),
		Text:     n.Message,
		Footer:   "Issue Orchestrator",
	}
	if n.IssueID != "" {
		att.Title = "Issue " + n.IssueID
	}
	if n.ExecutionID != "" {
		att.Footer += " | execution " + n.ExecutionID
	}
	if !n.Time.IsZero() {
		att.Ts = n.Time.Unix()
	}
	for _, f := range n.Fields {
		att.Fields = append(att.Fields, SlackField{
			Title: f.Label,
			Value: f.Value,
			Short: len(f.Value) <= shortFieldLen,
		})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts the notification
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	msg := NewSlackMessage(n)
	payload, err := msg.ToJSON()
	if err != nil {
		return err
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}
