package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLogFile(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte(lines), 0600))
	return path
}

func TestLastLinesReturnsTail(t *testing.T) {
	path := writeLogFile(t, "one\ntwo\nthree\nfour\nfive\n")

	tail, err := lastLines(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"three", "four", "five"}, tail)
}

func TestLastLinesShortFile(t *testing.T) {
	path := writeLogFile(t, "only\n")

	tail, err := lastLines(path, 50)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, tail)
}

func TestLastLinesZero(t *testing.T) {
	path := writeLogFile(t, "one\ntwo\n")

	tail, err := lastLines(path, 0)
	require.NoError(t, err)
	assert.Empty(t, tail)
}
