package sweep

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// Reconciler closes executions that no live process owns
type Reconciler interface {
	Reconcile(ctx context.Context, olderThan time.Duration) (int, error)
}

// StuckReporter lists running tasks that have exceeded their expected runtime
type StuckReporter func() []domain.RunningTask

// Config controls the sweep schedule
type Config struct {
	Cron      string        // standard 5-field cron expression
	OlderThan time.Duration // only executions started earlier than this are closed
}

// Status is a snapshot of the sweeper
type Status struct {
	LastRun    time.Time `json:"lastRun"`
	NextRun    time.Time `json:"nextRun"`
	LastClosed int       `json:"lastClosed"`
	TotalRuns  int       `json:"totalRuns"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Sweeper periodically reconciles orphaned executions
type Sweeper struct {
	reconciler Reconciler
	config     Config
	schedule   cron.Schedule
	stuck      StuckReporter

	mu      sync.Mutex
	running bool
	status  Status
}

// New creates a sweeper; the cron expression is validated here
func New(r Reconciler, cfg Config) (*Sweeper, error) {
	if cfg.Cron == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	sched, err := ParseCron(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return &Sweeper{
		reconciler: r,
		config:     cfg,
		schedule:   sched,
	}, nil
}

// SetStuckReporter makes every sweep log the tasks fn reports
func (s *Sweeper) SetStuckReporter(fn StuckReporter) {
	s.mu.Lock()
	s.stuck = fn
	s.mu.Unlock()
}

// NextRun returns the next scheduled sweep after now
func (s *Sweeper) NextRun() time.Time {
	return s.schedule.Next(time.Now())
}

// Status returns what the last sweep did
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.NextRun = s.NextRun()
	return st
}

// RunOnce performs a single sweep. Overlapping calls return immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return 0, nil
	}
	s.running = true
	stuck := s.stuck
	s.mu.Unlock()

	closed, err := s.reconciler.Reconcile(ctx, s.config.OlderThan)

	s.mu.Lock()
	s.running = false
	s.status.LastRun = time.Now()
	s.status.LastClosed = closed
	s.status.TotalRuns++
	s.mu.Unlock()

	if err != nil {
		return closed, fmt.Errorf("sweep: %w", err)
	}
	if closed > 0 {
		log.Printf("[sweep] closed %d orphaned execution(s)", closed)
	}
	if stuck != nil {
		for _, rt := range stuck() {
			log.Printf("[sweep] issue %s looks stuck: execution %s running since %s (pid %d)",
				rt.IssueID, rt.ExecutionID, rt.StartTime.Format(time.RFC3339), rt.PID)
		}
	}
	return closed, nil
}

// Run schedules sweeps until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.VerbosePrintfLogger(log.New(os.Stderr, "[sweep] ", log.LstdFlags)))),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("[sweep] %v", err)
		}
	}))

	log.Printf("[sweep] scheduled %q, next run %s", s.config.Cron, s.NextRun().Format(time.RFC3339))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
