//go:build !windows

package executor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccjk-org/ccjk/internal/task"
)

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), time.Minute)
	result, state := e.Execute(context.Background(), &task.Task{ID: "t-1", Command: "echo hello"})

	assert.Equal(t, task.Completed, state)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Empty(t, result.ErrorMessage)
	assert.GreaterOrEqual(t, result.DurationMs, int64(0))
}

func TestExecuteNonZeroExit(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), time.Minute)
	result, state := e.Execute(context.Background(), &task.Task{ID: "t-2", Command: "echo boom 1>&2; exit 3"})

	assert.Equal(t, task.Failed, state)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "boom\n", result.Stderr)
	assert.NotEmpty(t, result.ErrorMessage)
}

func TestExecuteSpawnFailure(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), time.Minute)
	result, state := e.Execute(context.Background(), &task.Task{
		ID:      "t-3",
		Command: "echo never",
		Cwd:     "/nonexistent/path/for/sure",
	})

	assert.Equal(t, task.Failed, state)
	assert.Equal(t, task.ExitSpawnFailure, result.ExitCode)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Empty(t, result.Stdout)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), time.Minute)
	start := time.Now()
	result, state := e.Execute(context.Background(), &task.Task{
		ID:         "t-4",
		Command:    "echo before; sleep 30",
		TimeoutSec: 1,
	})
	elapsed := time.Since(start)

	assert.Equal(t, task.Timeout, state)
	assert.Equal(t, task.ExitTimeout, result.ExitCode)
	assert.Equal(t, "timeout after 1s", result.ErrorMessage)
	assert.Equal(t, "before\n", result.Stdout, "captured output is preserved")
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 8*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	e := New(t.TempDir(), time.Minute)
	result, state := e.Execute(ctx, &task.Task{ID: "t-5", Command: "sleep 30"})

	assert.Equal(t, task.Cancelled, state)
	assert.Equal(t, "cancelled by daemon shutdown", result.ErrorMessage)
}

func TestExecuteEnvMerge(t *testing.T) {
	t.Parallel()

	e := New(t.TempDir(), time.Minute)
	result, state := e.Execute(context.Background(), &task.Task{
		ID:      "t-6",
		Command: "echo $GREETING",
		Env:     map[string]string{"GREETING": "hi there"},
	})

	assert.Equal(t, task.Completed, state)
	assert.Equal(t, "hi there\n", result.Stdout)
}

func TestExecuteWorkDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	e := New("/", time.Minute)
	result, state := e.Execute(context.Background(), &task.Task{ID: "t-7", Command: "pwd", Cwd: dir})

	assert.Equal(t, task.Completed, state)
	assert.Equal(t, resolved, strings.TrimSpace(result.Stdout))
}

func TestRingBuffer(t *testing.T) {
	t.Parallel()

	t.Run("UnderLimit", func(t *testing.T) {
		t.Parallel()

		rb := newRingBuffer(16)
		_, err := rb.Write([]byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, "hello", rb.String())
	})

	t.Run("OverflowKeepsNewestHalf", func(t *testing.T) {
		t.Parallel()

		rb := newRingBuffer(8)
		_, err := rb.Write([]byte("0123456789"))
		require.NoError(t, err)

		out := rb.String()
		assert.True(t, strings.HasPrefix(out, "[truncated: 6 bytes dropped]\n"), out)
		assert.True(t, strings.HasSuffix(out, "6789"), out)
	})

	t.Run("DroppedBytesAccumulate", func(t *testing.T) {
		t.Parallel()

		rb := newRingBuffer(8)
		for range 4 {
			_, err := rb.Write([]byte("abcdefgh"))
			require.NoError(t, err)
		}
		assert.Contains(t, rb.String(), "bytes dropped]\n")
	})
}

func TestMergeEnv(t *testing.T) {
	t.Parallel()

	parent := []string{"A=1", "B=2"}
	merged := mergeEnv(parent, map[string]string{"B": "override", "C": "3"})

	assert.Contains(t, merged, "B=override")
	assert.Contains(t, merged, "C=3")
	// Parent entries stay; exec resolves duplicates in favor of the last one.
	assert.Equal(t, []string{"A=1", "B=2"}, merged[:2])

	same := mergeEnv(parent, nil)
	assert.Equal(t, parent, same)
}
