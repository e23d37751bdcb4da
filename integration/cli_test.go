//go:build integration

package integration

import (
	"strings"
	"testing"
)

func TestCLI_ImportAndList(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t))

	out, err := runCLI(t, binary, "issues", "import", IssuesFixture(t), "--config", configPath)
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Imported 3 issues") {
		t.Errorf("Expected 'Imported 3 issues', got: %s", out)
	}

	out, err = runCLI(t, binary, "issues", "list", "--domain", "billing", "--config", configPath)
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Regenerate invoice PDFs") || strings.Contains(out, "Fix login redirect loop") {
		t.Errorf("domain filter wrong:\n%s", out)
	}

	out, err = runCLI(t, binary, "issues", "list", "--status", "pending", "--config", configPath)
	if err != nil {
		t.Fatalf("list failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Fix login redirect loop") {
		t.Errorf("status filter wrong:\n%s", out)
	}
}

func TestCLI_RunSuccess(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t))

	id, err := runCLI(t, binary, "issues", "add", "--title", "Say hello", "--config", configPath)
	if err != nil {
		t.Fatalf("add failed: %v\n%s", err, id)
	}
	id = strings.TrimSpace(id)

	out, err := runCLI(t, binary, "run", id, "--command", "echo hello from $ISSUE_ID", "--config", configPath)
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "hello from "+id) {
		t.Errorf("output missing command output:\n%s", out)
	}

	out, err = runCLI(t, binary, "executions", id, "--config", configPath)
	if err != nil {
		t.Fatalf("executions failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "SUCCESS") {
		t.Errorf("Expected a SUCCESS execution:\n%s", out)
	}
}

func TestCLI_RunFailureRetriesAndExitsNonZero(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t))

	id, err := runCLI(t, binary, "issues", "add", "--title", "Broken build", "--config", configPath)
	if err != nil {
		t.Fatalf("add failed: %v\n%s", err, id)
	}
	id = strings.TrimSpace(id)

	out, err := runCLI(t, binary, "run", id, "--command", "echo 'build failed' >&2; exit 2", "--config", configPath)
	if err == nil {
		t.Fatalf("run should fail:\n%s", out)
	}
	if !strings.Contains(out, "retrying") {
		t.Errorf("Expected a retry, got:\n%s", out)
	}
	if !strings.Contains(out, "failed after 2 attempt(s)") {
		t.Errorf("Expected final failure message, got:\n%s", out)
	}

	out, _ = runCLI(t, binary, "executions", id, "--config", configPath)
	if strings.Count(out, "FAILED") != 2 {
		t.Errorf("Expected 2 failed executions:\n%s", out)
	}

	out, _ = runCLI(t, binary, "issues", "list", "--config", configPath)
	if !strings.Contains(out, "PENDING") {
		t.Errorf("Expected issue moved to PENDING:\n%s", out)
	}
}

func TestCLI_StatusWithoutServer(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t))

	if out, err := runCLI(t, binary, "issues", "import", IssuesFixture(t), "--config", configPath); err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}

	out, err := runCLI(t, binary, "status", "--config", configPath)
	if err != nil {
		t.Fatalf("status failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "not running") {
		t.Errorf("Expected server not running, got:\n%s", out)
	}
	if !strings.Contains(out, "3 total") {
		t.Errorf("Expected '3 total', got:\n%s", out)
	}
}

func TestCLI_StopWithoutServer(t *testing.T) {
	binary := binaryPath(t)
	configPath := createTestConfig(t, TempDBPath(t))

	out, err := runCLI(t, binary, "stop", "--config", configPath)
	if err == nil || !strings.Contains(out, "no server running") {
		t.Errorf("stop without server: err = %v, out = %s", err, out)
	}
}
