package stringutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccjk-org/ccjk/internal/stringutil"
)

func TestFormatTime(t *testing.T) {
	t.Parallel()

	tm := time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-02-01T10:30:00Z", stringutil.FormatTime(tm))
	assert.Equal(t, "", stringutil.FormatTime(time.Time{}))
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	parsed, err := stringutil.ParseTime("2024-02-01T10:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 10, 30, 0, 0, time.UTC).Unix(), parsed.Unix())

	zero, err := stringutil.ParseTime("-")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}

func TestTruncString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", stringutil.TruncString("abcdef", 3))
	assert.Equal(t, "abc", stringutil.TruncString("abc", 10))
	assert.Equal(t, "", stringutil.TruncString("", 4))
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{2*time.Minute + 30*time.Second, "2m 30s"},
		{time.Hour + 30*time.Minute, "1h 30m"},
		{-500 * time.Millisecond, "-500ms"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stringutil.FormatDuration(tt.d))
	}
}
