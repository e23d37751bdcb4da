package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// RunnerConfig controls how commands are spawned
type RunnerConfig struct {
	Shell      string        // interpreter invoked as `<shell> -c <command>`
	WorkDir    string        // working directory, empty for the engine's own
	Timeout    time.Duration // wall-clock limit per attempt
	KillGrace  time.Duration // wait between SIGTERM and SIGKILL
	APIBaseURL string        // exported as API_BASE_URL
	Env        []string      // extra KEY=VALUE pairs
}

// DefaultRunnerConfig returns the runner defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Shell:      "sh",
		Timeout:    10 * time.Minute,
		KillGrace:  5 * time.Second,
		APIBaseURL: "http://localhost:3001",
	}
}

// RunSpec describes one attempt
type RunSpec struct {
	IssueID          string
	ExecutionID      string
	Command          string
	Attempt          int
	PreviousFailures string
}

// RunResult is what an attempt produced
type RunResult struct {
	ExecutionID string
	Status      domain.ExecutionStatus
	ExitCode    int // -1 when the process never exited normally
	Stdout      string
	Stderr      string // includes any failure note
	SpawnErr    error
	TimedOut    bool
	Cancelled   bool // terminated by cancel, force kill or shutdown
	Duration    time.Duration
}

// Success reports whether the attempt exited 0
func (r RunResult) Success() bool {
	return r.Status == domain.ExecSuccess
}

// Runner spawns one attempt at a time per call and streams its output into
// the execution's feed and record. It keeps no state beyond a single run.
type Runner struct {
	registry *Registry
	feeds    *Publisher
	records  *recordWriter

	mu     sync.RWMutex
	config RunnerConfig
}

func newRunner(cfg RunnerConfig, registry *Registry, feeds *Publisher, records *recordWriter) *Runner {
	return &Runner{
		config:   cfg,
		registry: registry,
		feeds:    feeds,
		records:  records,
	}
}

// Config returns the current runner configuration
func (r *Runner) Config() RunnerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// SetConfig replaces the configuration used by later attempts
func (r *Runner) SetConfig(cfg RunnerConfig) {
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
}

// Run executes spec.Command and blocks until it exits, times out or ctx is
// cancelled. The execution's feed must already be open; if it has been
// finished by someone else the command is not started.
func (r *Runner) Run(ctx context.Context, spec RunSpec) RunResult {
	cfg := r.Config()
	start := time.Now()
	res := RunResult{ExecutionID: spec.ExecutionID, ExitCode: -1}

	f := r.feeds.lookup(spec.ExecutionID)
	if f == nil {
		res.Status = domain.ExecFailed
		res.Cancelled = true
		return res
	}
	if cause := context.Cause(ctx); cause != nil {
		res.Cancelled = true
		r.finish(spec, f, domain.ExecFailed, reasonFor(cause), &res)
		return res
	}

	runCtx, stop := context.WithTimeoutCause(ctx, cfg.Timeout, ErrTimedOut)
	defer stop()

	cmd := exec.CommandContext(runCtx, cfg.Shell, "-c", spec.Command)
	cmd.Dir = cfg.WorkDir
	cmd.Env = environ(cfg, spec)
	stdout := &chunkWriter{stream: streamStdout, feed: f, records: r.records, executionID: spec.ExecutionID}
	stderr := &chunkWriter{stream: streamStderr, feed: f, records: r.records, executionID: spec.ExecutionID}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureProcess(cmd, cfg.KillGrace)

	log.Printf("[runner] issue %s: starting execution %s (attempt %d)", spec.IssueID, spec.ExecutionID, spec.Attempt)

	if err := cmd.Start(); err != nil {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, ErrTimedOut) {
			res.Cancelled = true
			r.finish(spec, f, domain.ExecFailed, reasonFor(cause), &res)
			return res
		}
		res.SpawnErr = err
		log.Printf("[runner] issue %s: spawn failed: %v", spec.IssueID, err)
		r.finish(spec, f, domain.ExecFailed, "Process error: "+err.Error(), &res)
		res.Duration = time.Since(start)
		return res
	}
	r.registry.Attach(spec.IssueID, spec.ExecutionID, cmd.Process.Pid)

	waitErr := cmd.Wait()
	cause := context.Cause(runCtx)
	if cause != nil {
		killGroup(cmd)
	}
	stdout.flush()
	stderr.flush()

	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	status := domain.ExecFailed
	note := ""
	switch {
	case errors.Is(cause, ErrTimedOut):
		res.TimedOut = true
		note = fmt.Sprintf("Process timed out after %s and was terminated", cfg.Timeout)
	case cause != nil:
		res.Cancelled = true
		note = reasonFor(cause)
	case res.ExitCode == 0 && (waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay)):
		status = domain.ExecSuccess
	default:
		if _, errText, _, _ := f.since(cursor{}); errText == "" {
			note = fmt.Sprintf("Process exited with code %d", res.ExitCode)
		}
	}

	r.finish(spec, f, status, note, &res)
	res.Duration = time.Since(start)
	log.Printf("[runner] issue %s: execution %s finished %s (exit %d) in %s",
		spec.IssueID, spec.ExecutionID, res.Status, res.ExitCode, res.Duration.Round(time.Millisecond))
	return res
}

// finish closes the feed, persists the terminal record and releases the
// registry entry. If the feed was already finished by a terminator, the
// record is theirs and the result is reported as cancelled.
func (r *Runner) finish(spec RunSpec, f *feed, status domain.ExecutionStatus, note string, res *RunResult) {
	t, ok := f.finish(status, note)
	res.Stdout, res.Stderr = t.stdout, t.errors
	if ok {
		res.Status = status
		patch := domain.Terminal(status, t.response(), t.errors, time.Now())
		if err := r.records.write(spec.ExecutionID, patch); err != nil {
			log.Printf("[runner] issue %s: persisting result of %s: %v", spec.IssueID, spec.ExecutionID, err)
		}
	} else {
		res.Status = domain.ExecFailed
		res.Cancelled = true
	}
	r.registry.Release(spec.IssueID, spec.ExecutionID)
	r.feeds.remove(spec.ExecutionID)
}

func environ(cfg RunnerConfig, spec RunSpec) []string {
	env := append(os.Environ(), cfg.Env...)
	env = append(env,
		"ISSUE_ID="+spec.IssueID,
		"EXECUTION_ID="+spec.ExecutionID,
		"API_BASE_URL="+cfg.APIBaseURL,
		fmt.Sprintf("RETRY_ATTEMPT=%d", spec.Attempt),
	)
	if spec.PreviousFailures != "" {
		env = append(env, "PREVIOUS_FAILURES="+spec.PreviousFailures)
	}
	return env
}

// chunkWriter receives one pipe of the child process. Chunks are forwarded
// as they arrive, except that a multi-byte rune split across reads is held
// back until it is complete.
type chunkWriter struct {
	stream      streamKind
	feed        *feed
	records     *recordWriter
	executionID string
	pending     []byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	data := p
	if len(w.pending) > 0 {
		data = append(w.pending, p...)
		w.pending = nil
	}
	cut := completePrefix(data)
	if cut < len(data) {
		w.pending = append([]byte(nil), data[cut:]...)
	}
	if cut > 0 {
		w.emit(string(data[:cut]))
	}
	return len(p), nil
}

func (w *chunkWriter) flush() {
	if len(w.pending) > 0 {
		w.emit(string(w.pending))
		w.pending = nil
	}
}

func (w *chunkWriter) emit(text string) {
	// Chunks arriving after a kill are dropped from both feed and record
	if w.feed.append(w.stream, text) {
		w.records.appendChunk(w.executionID, w.stream, text)
	}
}

// completePrefix returns the length of b without a trailing incomplete rune
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
