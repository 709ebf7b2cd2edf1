// Package executor runs a task's command in an OS shell, captures bounded
// output tails, and enforces the per-task timeout by terminating the child's
// whole process group.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/task"
)

// terminationGrace is how long a terminated child may linger before it is
// force-killed.
const terminationGrace = 5 * time.Second

// Executor spawns task commands. It holds no per-task state and is safe for
// concurrent use.
type Executor struct {
	workDir        string
	defaultTimeout time.Duration
}

// New creates an Executor. workDir is the working directory for tasks that do
// not carry their own; defaultTimeout applies to tasks without an override.
func New(workDir string, defaultTimeout time.Duration) *Executor {
	return &Executor{
		workDir:        workDir,
		defaultTimeout: defaultTimeout,
	}
}

// Execute runs the task's command to completion and returns the result along
// with the terminal state it implies. Cancelling ctx terminates the child the
// same way a timeout does and yields a cancelled state.
func (e *Executor) Execute(ctx context.Context, t *task.Task) (*task.Result, task.State) {
	timeout := e.defaultTimeout
	if t.TimeoutSec > 0 {
		timeout = time.Duration(t.TimeoutSec) * time.Second
	}

	workDir := t.Cwd
	if workDir == "" {
		workDir = e.workDir
	}

	stdout := newRingBuffer(CaptureLimit)
	stderr := newRingBuffer(CaptureLimit)

	cmd := newShellCommand(t.Command)
	cmd.Dir = workDir
	cmd.Env = mergeEnv(os.Environ(), t.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setupCommand(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &task.Result{
			ExitCode:     task.ExitSpawnFailure,
			DurationMs:   time.Since(start).Milliseconds(),
			ErrorMessage: err.Error(),
		}, task.Failed
	}

	logger.Debug(ctx, "Task process started", "taskId", t.ID, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr   error
		timedOut  bool
		cancelled bool
	)

	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = e.terminate(ctx, cmd, done)
	case <-ctx.Done():
		cancelled = true
		waitErr = e.terminate(ctx, cmd, done)
	}

	result := &task.Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}

	switch {
	case timedOut:
		result.ExitCode = task.ExitTimeout
		result.ErrorMessage = fmt.Sprintf("timeout after %ds", int(timeout.Seconds()))
		return result, task.Timeout
	case cancelled:
		result.ExitCode = exitCodeFromError(waitErr)
		result.ErrorMessage = "cancelled by daemon shutdown"
		return result, task.Cancelled
	case waitErr != nil:
		result.ExitCode = exitCodeFromError(waitErr)
		result.ErrorMessage = waitErr.Error()
		return result, task.Failed
	default:
		result.ExitCode = 0
		return result, task.Completed
	}
}

// terminate signals the child's process group, waits up to the grace period,
// then force-kills. Returns the child's wait error.
func (e *Executor) terminate(ctx context.Context, cmd *exec.Cmd, done chan error) error {
	if err := terminateProcessGroup(cmd); err != nil {
		logger.Debug(ctx, "Failed to signal process group", "err", err)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(terminationGrace):
	}

	if err := forceKillProcessGroup(cmd); err != nil {
		logger.Warn(ctx, "Failed to force-kill process group", "err", err)
	}
	return <-done
}

// exitCodeFromError extracts the child's exit status. A child killed by a
// signal reports -1 through exec.ExitError, which matches the spawn-failure
// sentinel closely enough for reporting.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return task.ExitSpawnFailure
}

// mergeEnv appends overrides onto the parent environment. exec uses the last
// occurrence of a duplicated key, so overrides win.
func mergeEnv(parent []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return parent
	}
	merged := make([]string, 0, len(parent)+len(overrides))
	merged = append(merged, parent...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}
