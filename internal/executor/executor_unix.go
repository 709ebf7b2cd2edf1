//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

func newShellCommand(command string) *exec.Cmd {
	// nolint: gosec
	return exec.Command("/bin/sh", "-c", command)
}

// setupCommand places the child in its own process group so that timeout
// signals reach the entire subtree.
func setupCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// terminateProcessGroup sends SIGTERM to the child's process group.
func terminateProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// forceKillProcessGroup sends SIGKILL to the child's process group.
func forceKillProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
