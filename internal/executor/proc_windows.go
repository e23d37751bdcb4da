//go:build windows

package executor

import (
	"os/exec"
	"time"
)

func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.Cancel = func() error {
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = grace
}

func killGroup(cmd *exec.Cmd) {}
