//go:build windows

package executor

import (
	"os/exec"
	"time"
)

// setProcAttr is a no-op on Windows; process groups are Unix-only here.
func setProcAttr(cmd *exec.Cmd) {}

// terminateProcessGroup kills the process directly on Windows. There is no
// SIGTERM equivalent, so the grace window does not apply.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
