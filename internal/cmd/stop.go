package cmd

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"

	"github.com/ccjk-org/ccjk/internal/daemon"
	"github.com/ccjk-org/ccjk/internal/fileutil"
	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/sock"
)

// stopWait bounds how long stop waits for the daemon to exit.
const stopWait = 30 * time.Second

// CmdStop creates the stop command: gracefully shut down a running daemon.
func CmdStop() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the running daemon",
			Long: `Gracefully stop the daemon.

The stop request goes through the daemon's admin socket; if the socket is
unreachable the lock-file PID is signalled with SIGTERM instead. The command
waits until the daemon has released its lock.

Example:
  ccjk stop
`,
			Args: cobra.NoArgs,
		}, stopFlags, runStop,
	)
}

var stopFlags = []commandLineFlag{}

func runStop(ctx *Context, _ []string) error {
	lockFile := ctx.Config.Paths.LockFile
	pid, err := daemon.ReadLockPID(lockFile)
	if err != nil {
		fmt.Println("Daemon is not running")
		return nil
	}

	client := sock.NewClient(sock.Addr(ctx.Config.Paths.Home), 5*time.Second)
	if _, err := client.Request(ctx, "POST", "/stop"); err != nil {
		logger.Debug(ctx, "Admin socket unreachable, falling back to SIGTERM",
			"pid", pid, "err", err)
		if err := signalPID(pid); err != nil {
			return fmt.Errorf("failed to signal daemon (pid %d): %w", pid, err)
		}
	}

	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if !fileutil.FileExists(lockFile) {
			fmt.Println("Daemon stopped")
			return nil
		}
		if alive, _ := process.PidExists(int32(pid)); !alive {
			fmt.Println("Daemon stopped")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop within %s", pid, stopWait)
}

// signalPID sends SIGTERM to the lockholder after confirming it is alive.
func signalPID(pid int) error {
	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return err
	}
	if !alive {
		return fmt.Errorf("process %d is not running (stale lock file)", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.SIGTERM)
}
