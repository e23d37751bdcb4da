package executor

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// DefaultPollInterval is how often an orphaned RUNNING record is re-read
const DefaultPollInterval = 500 * time.Millisecond

// LogEventType tags an event on an execution log stream
type LogEventType string

const (
	EventInit     LogEventType = "init"
	EventOutput   LogEventType = "output"
	EventError    LogEventType = "error"
	EventComplete LogEventType = "complete"
)

type streamKind int

const (
	streamStdout streamKind = iota
	streamStderr
)

// ExecutionInfo is the execution snapshot carried by init events
type ExecutionInfo struct {
	ID          string                 `json:"id"`
	IssueID     string                 `json:"issueId"`
	Status      domain.ExecutionStatus `json:"status"`
	Provider    string                 `json:"llmProvider"`
	Command     string                 `json:"command,omitempty"`
	Attempt     int                    `json:"attempt"`
	StartedAt   time.Time              `json:"startedAt"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

func infoFromExecution(e *domain.Execution) ExecutionInfo {
	return ExecutionInfo{
		ID:          e.ID,
		IssueID:     e.IssueID,
		Status:      e.Status,
		Provider:    e.Provider,
		Command:     e.Command,
		Attempt:     e.Attempt,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
}

// LogEvent is one message on an execution log stream. A stream is one init,
// any number of output/error deltas, then one complete.
type LogEvent struct {
	Type        LogEventType           `json:"type"`
	Execution   *ExecutionInfo         `json:"execution,omitempty"`
	Data        string                 `json:"data,omitempty"`
	Status      domain.ExecutionStatus `json:"status,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
}

// feed is the in-memory log of one live execution. Writers append under the
// lock and poke every subscriber's wake channel; subscribers keep their own
// cursors, so no delta is delivered twice or skipped.
type feed struct {
	mu     sync.Mutex
	info   ExecutionInfo
	stdout strings.Builder
	stderr strings.Builder
	rawErr int // stderr length before the failure note
	done   bool
	subs   map[chan struct{}]struct{}
}

// transcript is what a feed captured by the time it finished
type transcript struct {
	stdout string
	stderr string // as the process wrote it
	errors string // stderr followed by the failure note
}

// response is the text an execution reports back: stdout, or stderr when
// the command printed nothing else
func (t transcript) response() string {
	if t.stdout == "" {
		return t.stderr
	}
	return t.stdout
}

func newFeed(e *domain.Execution) *feed {
	info := infoFromExecution(e)
	info.Status = domain.ExecRunning
	info.CompletedAt = nil
	return &feed{
		info: info,
		subs: make(map[chan struct{}]struct{}),
	}
}

// append adds a chunk; false once the feed is finished
func (f *feed) append(stream streamKind, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return false
	}
	if stream == streamStderr {
		f.stderr.WriteString(text)
	} else {
		f.stdout.WriteString(text)
	}
	f.notifyLocked()
	return true
}

// finish marks the feed terminal and appends note to stderr. Only the first
// call wins; later calls return ok=false with the existing text.
func (f *feed) finish(status domain.ExecutionStatus, note string) (transcript, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return f.transcriptLocked(), false
	}
	f.rawErr = f.stderr.Len()
	if note != "" {
		if f.stderr.Len() > 0 && !strings.HasSuffix(f.stderr.String(), "\n") {
			f.stderr.WriteByte('\n')
		}
		f.stderr.WriteString(note)
	}
	now := time.Now()
	f.info.Status = status
	f.info.CompletedAt = &now
	f.done = true
	f.notifyLocked()
	return f.transcriptLocked(), true
}

func (f *feed) transcriptLocked() transcript {
	text := f.stderr.String()
	return transcript{stdout: f.stdout.String(), stderr: text[:f.rawErr], errors: text}
}

func (f *feed) notifyLocked() {
	for ch := range f.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *feed) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *feed) unsubscribe(ch chan struct{}) {
	f.mu.Lock()
	delete(f.subs, ch)
	f.mu.Unlock()
}

// cursor tracks how many bytes of each stream a subscriber has seen
type cursor struct {
	out int
	err int
}

// since returns the text past the cursor plus the current state
func (f *feed) since(c cursor) (out, errText string, info ExecutionInfo, done bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stdout.String()
	e := f.stderr.String()
	if c.out < len(s) {
		out = s[c.out:]
	}
	if c.err < len(e) {
		errText = e[c.err:]
	}
	return out, errText, f.info, f.done
}

// ExecutionReader is the slice of the store the publisher falls back to
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*domain.Execution, error)
}

// Publisher fans live execution output out to any number of subscribers.
// Executions with no live feed are served from the store.
type Publisher struct {
	store        ExecutionReader
	pollInterval time.Duration

	mu    sync.Mutex
	feeds map[string]*feed
}

// NewPublisher creates a publisher backed by store
func NewPublisher(store ExecutionReader) *Publisher {
	return &Publisher{
		store:        store,
		pollInterval: DefaultPollInterval,
		feeds:        make(map[string]*feed),
	}
}

// open returns the live feed for the execution, creating it if needed
func (p *Publisher) open(e *domain.Execution) *feed {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.feeds[e.ID]; ok {
		return f
	}
	f := newFeed(e)
	p.feeds[e.ID] = f
	return f
}

func (p *Publisher) lookup(executionID string) *feed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feeds[executionID]
}

func (p *Publisher) remove(executionID string) {
	p.mu.Lock()
	delete(p.feeds, executionID)
	p.mu.Unlock()
}

// finish closes the execution's feed if it is live
func (p *Publisher) finish(executionID string, status domain.ExecutionStatus, note string) (t transcript, ok, found bool) {
	f := p.lookup(executionID)
	if f == nil {
		return transcript{}, false, false
	}
	t, ok = f.finish(status, note)
	return t, ok, true
}

// Live reports whether an execution has an in-memory feed
func (p *Publisher) Live(executionID string) bool {
	return p.lookup(executionID) != nil
}

// Subscribe streams the execution's log. The channel is closed after the
// complete event, when ctx is done, or when the record disappears.
func (p *Publisher) Subscribe(ctx context.Context, executionID string) (<-chan LogEvent, error) {
	ch := make(chan LogEvent, 16)
	if f := p.lookup(executionID); f != nil {
		go func() {
			defer close(ch)
			p.follow(ctx, f, ch, cursor{}, true)
		}()
		return ch, nil
	}

	exec, err := p.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	go func() {
		defer close(ch)
		p.poll(ctx, exec, ch)
	}()
	return ch, nil
}

// follow pushes feed deltas until the feed finishes or ctx is done
func (p *Publisher) follow(ctx context.Context, f *feed, ch chan<- LogEvent, c cursor, sendInit bool) {
	wake := f.subscribe()
	defer f.unsubscribe(wake)

	for {
		out, errText, info, done := f.since(c)
		if sendInit {
			if !send(ctx, ch, LogEvent{Type: EventInit, Execution: &info}) {
				return
			}
			sendInit = false
		}
		if out != "" {
			if !send(ctx, ch, LogEvent{Type: EventOutput, Data: out}) {
				return
			}
			c.out += len(out)
		}
		if errText != "" {
			if !send(ctx, ch, LogEvent{Type: EventError, Data: errText}) {
				return
			}
			c.err += len(errText)
		}
		if done {
			send(ctx, ch, LogEvent{Type: EventComplete, Status: info.Status, CompletedAt: info.CompletedAt})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		}
	}
}

// poll serves an execution from the store, diffing by length each tick
func (p *Publisher) poll(ctx context.Context, exec *domain.Execution, ch chan<- LogEvent) {
	info := infoFromExecution(exec)
	if !send(ctx, ch, LogEvent{Type: EventInit, Execution: &info}) {
		return
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var c cursor
	for {
		// A live feed may have been opened for this record since
		if f := p.lookup(exec.ID); f != nil && !exec.Status.IsTerminal() {
			p.follow(ctx, f, ch, c, false)
			return
		}
		if len(exec.Output) > c.out {
			if !send(ctx, ch, LogEvent{Type: EventOutput, Data: exec.Output[c.out:]}) {
				return
			}
			c.out = len(exec.Output)
		}
		if len(exec.Error) > c.err {
			if !send(ctx, ch, LogEvent{Type: EventError, Data: exec.Error[c.err:]}) {
				return
			}
			c.err = len(exec.Error)
		}
		if exec.Status.IsTerminal() {
			send(ctx, ch, LogEvent{Type: EventComplete, Status: exec.Status, CompletedAt: exec.CompletedAt})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		next, err := p.store.GetExecution(ctx, exec.ID)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[logstream] execution %s: %v", exec.ID, err)
			}
			return
		}
		exec = next
	}
}

func send(ctx context.Context, ch chan<- LogEvent, ev LogEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
