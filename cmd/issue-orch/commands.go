package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/issue-orchestrator/tui"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

var (
	runCommand    string
	runProvider   string
	runMaxRetries int
	execLimit     int
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func init() {
	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show server, running tasks and issue counts",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run ISSUE",
		Short: "Run a command for an issue in this process and stream its output",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVarP(&runCommand, "command", "c", "", "shell command to execute")
	runCmd.Flags().StringVar(&runProvider, "provider", "", "LLM provider label for the execution")
	runCmd.Flags().IntVar(&runMaxRetries, "max-retries", -1, "retry budget (default from config)")
	runCmd.MarkFlagRequired("command")
	rootCmd.AddCommand(runCmd)

	// executions command
	execCmd := &cobra.Command{
		Use:   "executions ISSUE",
		Short: "List an issue's executions",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecutions,
	}
	execCmd.Flags().IntVar(&execLimit, "limit", 20, "maximum number of executions")
	rootCmd.AddCommand(execCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard (needs a running server)",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func colorStatus(s string) string {
	switch s {
	case string(domain.ExecSuccess), string(domain.IssueDone):
		return green(s)
	case string(domain.ExecFailed), string(domain.IssuePending):
		return red(s)
	case string(domain.ExecRunning), string(domain.IssueInProgress):
		return yellow(s)
	}
	return s
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := api.NewClient(serverURL(cfg))
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	if _, err := client.Health(ctx); err != nil {
		fmt.Printf("Server:  %s (%s)\n", red("not running"), client.BaseURL())
	} else {
		fmt.Printf("Server:  %s at %s\n", green("running"), client.BaseURL())
		running, err := client.Running(ctx)
		if err != nil {
			return err
		}
		if len(running.RunningTasks) == 0 {
			fmt.Println("Running: none")
		} else {
			fmt.Printf("Running: %d task(s), domains %v\n", len(running.RunningTasks), running.RunningDomains)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  ISSUE\tDOMAIN\tPID\tSTARTED")
			for _, rt := range running.RunningTasks {
				fmt.Fprintf(w, "  %s\t%s\t%d\t%s\n", rt.IssueID, orDash(rt.Domain), rt.PID, ago(rt.StartTime))
			}
			w.Flush()
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	issues, err := store.ListIssues(cmd.Context(), taskstore.ListOptions{})
	if err != nil {
		return err
	}
	counts := map[domain.IssueStatus]int{}
	for _, i := range issues {
		counts[i.Status]++
	}
	fmt.Printf("Issues:  %s total | %d todo | %s in progress | %s pending | %s done\n",
		bold(len(issues)), counts[domain.IssueTodo], yellow(counts[domain.IssueInProgress]),
		red(counts[domain.IssuePending]), green(counts[domain.IssueDone]))
	return nil
}

// ago renders an RFC3339 timestamp from the API as "3 minutes ago"
func ago(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return humanize.Time(t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runExecutions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	execs, err := store.ListExecutions(cmd.Context(), taskstore.ExecutionFilter{IssueID: args[0], Limit: execLimit})
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		fmt.Printf("No executions for issue %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tATTEMPT\tSTATUS\tSTARTED\tDURATION\tERROR")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			e.ID, e.Attempt, colorStatus(string(e.Status)), humanize.Time(e.StartedAt),
			e.Duration().Round(time.Millisecond), truncate(firstLine(e.Error), 60))
	}
	w.Flush()
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := executor.New(store, settings)
	outcomes := make(chan executor.Outcome, 16)
	engine.OnFinish(func(o executor.Outcome) { outcomes <- o })

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := executor.ExecuteRequest{IssueID: args[0], Command: runCommand, Provider: runProvider}
	if runMaxRetries >= 0 {
		req.MaxRetries = &runMaxRetries
	}
	res, err := engine.Execute(ctx, req)
	if err != nil {
		return err
	}

	final, err := followChain(ctx, engine, res.ExecutionID, outcomes)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if errors.Is(err, context.Canceled) {
		engine.Cancel(shutdownCtx, args[0])
	}
	engine.Shutdown(shutdownCtx)

	if err != nil {
		return err
	}
	if final.Next != executor.StateSuccess {
		return fmt.Errorf("issue %s failed after %d attempt(s): %s", args[0], final.Attempt+1, final.Reason)
	}
	return nil
}

// followChain prints each attempt's log as it runs and moves on to the next
// attempt until an outcome ends the chain
func followChain(ctx context.Context, engine *executor.Engine, executionID string, outcomes <-chan executor.Outcome) (executor.Outcome, error) {
	for {
		events, err := engine.StreamLog(ctx, executionID)
		if err != nil {
			return executor.Outcome{}, err
		}
		printEvents(events)
		if ctx.Err() != nil {
			return executor.Outcome{}, ctx.Err()
		}

		var o executor.Outcome
		select {
		case o = <-outcomes:
		case <-ctx.Done():
			return executor.Outcome{}, ctx.Err()
		}
		if o.Next.IsTerminal() {
			return o, nil
		}

		fmt.Println(yellow(fmt.Sprintf("--- attempt %d failed, retrying: %s", o.Attempt+1, o.Reason)))
		next, final, err := awaitRetry(ctx, engine, o.IssueID, o.ExecutionID, outcomes)
		if err != nil || final != nil {
			if final != nil {
				return *final, nil
			}
			return executor.Outcome{}, err
		}
		executionID = next
	}
}

// awaitRetry waits for the engine to record the next attempt, or for an
// outcome saying the retry was abandoned
func awaitRetry(ctx context.Context, engine *executor.Engine, issueID, previous string, outcomes <-chan executor.Outcome) (string, *executor.Outcome, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case o := <-outcomes:
			if o.Next.IsTerminal() {
				return "", &o, nil
			}
		case <-ticker.C:
			st, err := engine.Status(ctx, issueID)
			if err != nil {
				return "", nil, err
			}
			if st.LatestExecution != nil && st.LatestExecution.ID != previous {
				return st.LatestExecution.ID, nil, nil
			}
		}
	}
}

func printEvents(events <-chan executor.LogEvent) {
	for ev := range events {
		switch ev.Type {
		case executor.EventInit:
			if ev.Execution != nil {
				fmt.Println(cyan(fmt.Sprintf("--- execution %s (attempt %d): %s",
					ev.Execution.ID, ev.Execution.Attempt+1, ev.Execution.Command)))
			}
		case executor.EventOutput:
			fmt.Fprint(os.Stdout, ev.Data)
		case executor.EventError:
			fmt.Fprint(os.Stderr, ev.Data)
		case executor.EventComplete:
			fmt.Println(cyan("--- ") + colorStatus(string(ev.Status)))
		}
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := api.NewClient(serverURL(cfg))
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	if _, err := client.Health(ctx); err != nil {
		return fmt.Errorf("server not reachable at %s (start it with 'issue-orch serve'): %w", client.BaseURL(), err)
	}

	p := tea.NewProgram(tui.NewModel(client), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
