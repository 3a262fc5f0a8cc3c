//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcAttr puts the subprocess in its own process group so the whole
// tree (the agent plus anything it spawns) can be signalled together.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup sends SIGTERM to the command's process group and
// schedules a SIGKILL for when the grace window passes. Signalling an
// already-exited group returns ESRCH, which is harmless, so the kill needs
// no coordination with the caller's Wait.
func terminateProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	pgid := -cmd.Process.Pid

	_ = syscall.Kill(pgid, syscall.SIGTERM)

	if grace <= 0 {
		grace = 5 * time.Second
	}
	time.AfterFunc(grace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}
