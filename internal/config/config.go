package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched for upwards from the working directory
const LocalConfigName = ".issue-orch.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Executor      ExecutorConfig      `toml:"executor"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Reconcile     ReconcileConfig     `toml:"reconcile"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	ProjectRoot  string `toml:"project_root"`
	StateDir     string `toml:"state_dir"`
	DatabasePath string `toml:"database_path"`
}

// ExecutorConfig controls how issue commands are run and retried
type ExecutorConfig struct {
	Shell         string   `toml:"shell"`
	WorkDir       string   `toml:"work_dir"`
	Timeout       Duration `toml:"timeout"`
	KillGrace     Duration `toml:"kill_grace"`
	MaxRetries    int      `toml:"max_retries"`
	RetryBackoff  Duration `toml:"retry_backoff"`
	APIBaseURL    string   `toml:"api_base_url"`
	SuccessStatus string   `toml:"success_status"`
	FailureStatus string   `toml:"failure_status"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
	OnSuccess    bool   `toml:"on_success"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// ReconcileConfig controls the sweep for executions left RUNNING without a live process
type ReconcileConfig struct {
	Cron       string   `toml:"cron"`
	StuckAfter Duration `toml:"stuck_after"`
}

// Duration is a time.Duration written as "10m" or "2s" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	stateDir := filepath.Join(home, ".issue-orchestrator")
	return &Config{
		General: GeneralConfig{
			ProjectRoot:  "",
			StateDir:     stateDir,
			DatabasePath: filepath.Join(stateDir, "orchestrator.db"),
		},
		Executor: ExecutorConfig{
			Shell:         "sh",
			Timeout:       Duration{10 * time.Minute},
			KillGrace:     Duration{5 * time.Second},
			MaxRetries:    3,
			RetryBackoff:  Duration{2 * time.Second},
			APIBaseURL:    "http://localhost:3001",
			SuccessStatus: "TODO",
			FailureStatus: "PENDING",
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
		Web: WebConfig{
			Port: 3001,
			Host: "127.0.0.1",
		},
		Reconcile: ReconcileConfig{
			Cron:       "*/5 * * * *",
			StuckAfter: Duration{15 * time.Minute},
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.ProjectRoot = ExpandPath(cfg.General.ProjectRoot)
	cfg.General.StateDir = ExpandPath(cfg.General.StateDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Executor.WorkDir = ExpandPath(cfg.Executor.WorkDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the engine cannot work with
func (c *Config) Validate() error {
	if c.Executor.Shell == "" {
		return fmt.Errorf("executor.shell must not be empty")
	}
	if c.Executor.Timeout.Duration <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must not be negative")
	}
	if c.Executor.RetryBackoff.Duration < 0 {
		return fmt.Errorf("executor.retry_backoff must not be negative")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port %d out of range", c.Web.Port)
	}
	return nil
}

// WorkDir returns the directory commands run in: the configured work dir,
// else the project root, else the current directory
func (c *Config) WorkDir() string {
	if c.Executor.WorkDir != "" {
		return c.Executor.WorkDir
	}
	if c.General.ProjectRoot != "" {
		return c.General.ProjectRoot
	}
	wd, _ := os.Getwd()
	return wd
}

// ListenAddr returns host:port for the HTTP server
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}

// PIDFile returns the path of the server PID file
func (c *Config) PIDFile() string {
	return filepath.Join(c.General.StateDir, "server.pid")
}

// LockFile returns the path of the single-instance server lock
func (c *Config) LockFile() string {
	return filepath.Join(c.General.StateDir, "server.lock")
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "issue-orchestrator", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit path if given, else the nearest
// project-local config, else the user config
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
