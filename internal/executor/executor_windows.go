//go:build windows

package executor

import "os/exec"

func newShellCommand(command string) *exec.Cmd {
	// nolint: gosec
	return exec.Command("cmd.exe", "/c", command)
}

// setupCommand is a no-op on Windows; process groups do not compose the same
// way, so termination falls back to killing the direct child.
func setupCommand(_ *exec.Cmd) {}

func terminateProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func forceKillProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
