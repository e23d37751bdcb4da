package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.Executor.MaxRetries)
	}
	if cfg.Executor.Timeout.Duration != 10*time.Minute {
		t.Errorf("Timeout = %v, want 10m", cfg.Executor.Timeout)
	}
	if cfg.Executor.RetryBackoff.Duration != 2*time.Second {
		t.Errorf("RetryBackoff = %v, want 2s", cfg.Executor.RetryBackoff)
	}
	if cfg.Executor.Shell != "sh" {
		t.Errorf("Shell = %q, want sh", cfg.Executor.Shell)
	}
	if cfg.Web.Port != 3001 {
		t.Errorf("Web.Port = %d, want 3001", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	configPath := writeTempConfig(t, `
[general]
project_root = "/test/project"
database_path = "/tmp/issues.db"

[executor]
timeout = "90s"
max_retries = 1
retry_backoff = "250ms"
api_base_url = "http://localhost:9999"

[web]
port = 9000
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectRoot != "/test/project" {
		t.Errorf("ProjectRoot = %q, want /test/project", cfg.General.ProjectRoot)
	}
	if cfg.Executor.Timeout.Duration != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Executor.Timeout)
	}
	if cfg.Executor.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.Executor.MaxRetries)
	}
	if cfg.Executor.RetryBackoff.Duration != 250*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 250ms", cfg.Executor.RetryBackoff)
	}
	if cfg.Executor.APIBaseURL != "http://localhost:9999" {
		t.Errorf("APIBaseURL = %q", cfg.Executor.APIBaseURL)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// Untouched sections keep their defaults
	if cfg.Executor.Shell != "sh" {
		t.Errorf("Shell = %q, want default sh", cfg.Executor.Shell)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Executor.MaxRetries)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "[executor]\ntimeout = \"soon\"\n", ""},
		{"negative retries", "[executor]\nmax_retries = -1\n", "max_retries"},
		{"zero timeout", "[executor]\ntimeout = \"0s\"\n", "timeout"},
		{"bad port", "[web]\nport = 70000\n", "web.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestConfig_WorkDir(t *testing.T) {
	cfg := Default()
	cfg.General.ProjectRoot = "/project"
	if got := cfg.WorkDir(); got != "/project" {
		t.Errorf("WorkDir() = %q, want project root", got)
	}

	cfg.Executor.WorkDir = "/work"
	if got := cfg.WorkDir(); got != "/work" {
		t.Errorf("WorkDir() = %q, want /work", got)
	}
}

func TestFindLocalConfig(t *testing.T) {
	// Create a temp directory structure
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	if err := os.MkdirAll(subdir, 0755); err != nil {
		t.Fatal(err)
	}

	// Create local config in root
	localConfig := filepath.Join(root, LocalConfigName)
	if err := os.WriteFile(localConfig, []byte("[general]\nproject_root = \"/local\""), 0644); err != nil {
		t.Fatal(err)
	}

	// Save current dir and change to subdir
	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(subdir); err != nil {
		t.Fatal(err)
	}

	// Should find config in parent
	found := FindLocalConfig()
	resolved, _ := filepath.EvalSymlinks(localConfig)
	foundResolved, _ := filepath.EvalSymlinks(found)
	if foundResolved != resolved {
		t.Errorf("FindLocalConfig() = %q, want %q", found, localConfig)
	}
}

func TestLoadWithLocalFallback_ExplicitPath(t *testing.T) {
	explicitPath := writeTempConfig(t, `[general]
project_root = "/explicit"
`)

	cfg, err := LoadWithLocalFallback(explicitPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectRoot != "/explicit" {
		t.Errorf("ProjectRoot = %q, want /explicit", cfg.General.ProjectRoot)
	}
}

func TestLoadWithLocalFallback_LocalConfig(t *testing.T) {
	root := t.TempDir()
	localConfig := filepath.Join(root, LocalConfigName)

	content := `[general]
project_root = "/from-local"
`
	if err := os.WriteFile(localConfig, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)

	if err := os.Chdir(root); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadWithLocalFallback("")
	if err != nil {
		t.Fatal(err)
	}

	if cfg.General.ProjectRoot != "/from-local" {
		t.Errorf("ProjectRoot = %q, want /from-local", cfg.General.ProjectRoot)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}
