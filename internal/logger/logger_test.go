package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccjk-org/ccjk/internal/logger"
)

func TestSinkReceivesJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&buf))
	lg.Info("task accepted", "id", "t-1", "source", "email")

	line := strings.TrimSpace(buf.String())
	require.NotEmpty(t, line)

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &record))
	assert.Equal(t, "task accepted", record["msg"])
	assert.Equal(t, "t-1", record["id"])
	assert.Equal(t, "email", record["source"])
}

func TestDebugLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&buf))
	lg.Debug("hidden")
	assert.Empty(t, buf.String())

	var debugBuf bytes.Buffer
	dbg := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&debugBuf), logger.WithDebug())
	dbg.Debug("visible")
	assert.Contains(t, debugBuf.String(), "visible")
}

func TestWithAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lg := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&buf))
	lg.With("component", "mailbox").Warn("reconnecting")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "mailbox", record["component"])
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var buf bytes.Buffer
	lg := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&buf))
	ctx = logger.WithLogger(ctx, lg)
	logger.Info(ctx, "from context")
	assert.Contains(t, buf.String(), "from context")
}

func TestFixedLoggerWins(t *testing.T) {
	t.Parallel()

	var fixed bytes.Buffer
	fixedLogger := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&fixed))

	var other bytes.Buffer
	otherLogger := logger.NewLogger(logger.WithQuiet(), logger.WithSink(&other))

	ctx := logger.WithFixedLogger(context.Background(), fixedLogger)
	ctx = logger.WithLogger(ctx, otherLogger)

	logger.Info(ctx, "routed")
	assert.Contains(t, fixed.String(), "routed")
	assert.Empty(t, other.String())
}
