//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// FixturesDir returns the path to the fixtures directory
func FixturesDir(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	return filepath.Join(filepath.Dir(filename), "fixtures")
}

// IssuesFixture returns the path to the sample issues YAML
func IssuesFixture(t *testing.T) string {
	t.Helper()
	return filepath.Join(FixturesDir(t), "issues.yaml")
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// TempConfigPath creates a temporary config file path for testing
func TempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.toml")
}

// binaryPath returns the path to the built CLI binary, building it if needed
func binaryPath(t *testing.T) string {
	t.Helper()
	paths := []string{
		"../issue-orch",
		"./issue-orch",
		filepath.Join(os.Getenv("GOPATH"), "bin", "issue-orch"),
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("Binary not found, building...")
	cmd := exec.Command("go", "build", "-o", "../issue-orch", "../cmd/issue-orch")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build binary: %v\n%s", err, out)
	}

	abs, _ := filepath.Abs("../issue-orch")
	return abs
}

// createTestConfig writes a config with state kept under a temp dir
func createTestConfig(t *testing.T, dbPath string) string {
	t.Helper()
	configPath := TempConfigPath(t)
	stateDir := filepath.Dir(dbPath)

	config := `[general]
state_dir = "` + stateDir + `"
database_path = "` + dbPath + `"

[executor]
shell = "sh"
timeout = "10s"
kill_grace = "1s"
max_retries = 1
retry_backoff = "50ms"

[notifications]
desktop = false

[web]
port = 39217
host = "127.0.0.1"
`

	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return configPath
}

// runCLI runs the binary and returns its combined output
func runCLI(t *testing.T, binary string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// issueIDByTitle finds an issue ID in "issues list" output
func issueIDByTitle(t *testing.T, listOutput, title string) string {
	t.Helper()
	for _, line := range strings.Split(listOutput, "\n") {
		if strings.Contains(line, title) {
			if fields := strings.Fields(line); len(fields) > 0 {
				return fields[0]
			}
		}
	}
	t.Fatalf("issue %q not in output:\n%s", title, listOutput)
	return ""
}
