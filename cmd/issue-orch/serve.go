package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/issue-orchestrator/internal/config"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/issue-orchestrator/internal/observer"
	"github.com/hochfrequenz/issue-orchestrator/internal/sweep"
	"github.com/hochfrequenz/issue-orchestrator/web/api"
)

// shutdownTimeout bounds how long serve waits for live tasks to die
const shutdownTimeout = 30 * time.Second

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the execution engine and HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running server",
		RunE:  runStop,
	}
	rootCmd.AddCommand(stopCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	settings, err := settingsFromConfig(cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.General.StateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	lock := flock.New(cfg.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", cfg.LockFile(), err)
	}
	if !locked {
		return fmt.Errorf("another server is already running (lock %s held)", cfg.LockFile())
	}
	defer lock.Unlock()

	if err := writePIDFile(cfg.PIDFile()); err != nil {
		return err
	}
	defer os.Remove(cfg.PIDFile())

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := executor.New(store, settings)
	obs := observer.New(cfg.Reconcile.StuckAfter.Duration)
	engine.OnFinish(obs.RecordOutcome)
	engine.OnFinish(notify.OutcomeHook(buildNotifier(cfg), cfg.Notifications.OnSuccess))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Nothing can be running yet, so every RUNNING row is an orphan
	if n, err := engine.Reconcile(ctx, 0); err != nil {
		log.Printf("[serve] startup reconcile: %v", err)
	} else if n > 0 {
		log.Printf("[serve] closed %d orphaned executions from a previous run", n)
	}

	server := api.NewServer(store, engine, cfg.ListenAddr())
	server.SetObserver(obs)

	sweeper, err := sweep.New(engine, sweep.Config{
		Cron:      cfg.Reconcile.Cron,
		OlderThan: settings.Runner.Timeout + settings.Runner.KillGrace,
	})
	if err != nil {
		return fmt.Errorf("reconcile.cron: %w", err)
	}
	sweeper.SetStuckReporter(func() []domain.RunningTask {
		return obs.StuckTasks(engine.ListRunning().Tasks)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })

	watcher, err := observer.NewConfigWatcher(cfgPath, func(path string) {
		reloadSettings(path, engine, obs)
	})
	if err != nil {
		log.Printf("[serve] config hot reload disabled: %v", err)
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	fmt.Printf("Serving API at %s (pid %d)\n", serverURL(cfg), os.Getpid())
	runErr := g.Wait()

	log.Printf("[serve] shutting down engine")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.Printf("[serve] engine shutdown: %v", err)
	}
	return runErr
}

// reloadSettings applies an edited config file to the running engine.
// Listen address and database path need a restart.
func reloadSettings(path string, engine *executor.Engine, obs *observer.Observer) {
	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("[config] keeping previous settings: %v", err)
		return
	}
	settings, err := settingsFromConfig(cfg)
	if err != nil {
		log.Printf("[config] keeping previous settings: %v", err)
		return
	}
	engine.UpdateSettings(settings)
	obs.SetStuckThreshold(cfg.Reconcile.StuckAfter.Duration)
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pid, err := readPIDFile(cfg.PIDFile())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no server running (no pid file at %s)", cfg.PIDFile())
		}
		return err
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	fmt.Printf("Sent SIGTERM to server (pid %d)\n", pid)
	return nil
}
