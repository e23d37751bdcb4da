package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hochfrequenz/issue-orchestrator/internal/config"
	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/executor"
	"github.com/hochfrequenz/issue-orchestrator/internal/notify"
	"github.com/hochfrequenz/issue-orchestrator/internal/taskstore"
)

// settingsFromConfig maps the [executor] section onto engine settings
func settingsFromConfig(cfg *config.Config) (executor.Settings, error) {
	s := executor.DefaultSettings()
	s.Runner = executor.RunnerConfig{
		Shell:      cfg.Executor.Shell,
		WorkDir:    cfg.WorkDir(),
		Timeout:    cfg.Executor.Timeout.Duration,
		KillGrace:  cfg.Executor.KillGrace.Duration,
		APIBaseURL: cfg.Executor.APIBaseURL,
	}
	s.MaxRetries = cfg.Executor.MaxRetries
	s.RetryBackoff = cfg.Executor.RetryBackoff.Duration

	var err error
	if s.SuccessStatus, err = optionalStatus(cfg.Executor.SuccessStatus); err != nil {
		return s, fmt.Errorf("executor.success_status: %w", err)
	}
	if s.FailureStatus, err = optionalStatus(cfg.Executor.FailureStatus); err != nil {
		return s, fmt.Errorf("executor.failure_status: %w", err)
	}
	return s, nil
}

// optionalStatus parses a status where empty means "leave the issue alone"
func optionalStatus(s string) (domain.IssueStatus, error) {
	if s == "" {
		return "", nil
	}
	return domain.ParseIssueStatus(s)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// openStore opens the database, creating its directory on first use
func openStore(cfg *config.Config) (*taskstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	store, err := taskstore.New(cfg.General.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func serverURL(cfg *config.Config) string {
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Web.Port)
}
