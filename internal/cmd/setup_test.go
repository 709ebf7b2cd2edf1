package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccjk-org/ccjk/internal/config"
)

func setupArgs(home string, extra ...string) []string {
	args := []string{
		"--home", home,
		"--mode", "email",
		"--imap-host", "imap.example.com",
		"--imap-port", "993",
		"--smtp-host", "smtp.example.com",
		"--smtp-port", "587",
		"--address", "bot@example.com",
		"--allowed-senders", "ops@example.com, dev@example.com",
		"--project-path", home,
	}
	return append(args, extra...)
}

func runSetupWithArgs(t *testing.T, args []string) error {
	t.Helper()
	cmd := CmdSetup()
	require.NoError(t, cmd.ParseFlags(args))
	return runSetup(cmd)
}

func TestSetupWritesConfig(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, runSetupWithArgs(t, setupArgs(home, "--password", "hunter2")))

	path := filepath.Join(home, "daemon-config.json")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(data, &cfg))

	assert.Equal(t, config.ModeEmail, cfg.Mode)
	assert.Equal(t, "imap.example.com", cfg.Email.IMAPHost)
	assert.Equal(t, 993, cfg.Email.IMAPPort)
	assert.Equal(t, []string{"ops@example.com", "dev@example.com"}, cfg.AllowedSenders)
	assert.NotContains(t, string(data), "hunter2")
	require.NotEmpty(t, cfg.Email.EncryptedPassword)

	material, err := config.LoadOrCreateKey(filepath.Join(home, "credentials", "key"))
	require.NoError(t, err)
	password, err := config.DecryptSecret(material, cfg.Email.EncryptedPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", password)
}

func TestSetupRefusesOverwrite(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, runSetupWithArgs(t, setupArgs(home, "--password", "hunter2")))

	err := runSetupWithArgs(t, setupArgs(home))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, runSetupWithArgs(t, setupArgs(home, "--force")))
}

func TestSetupRejectsInvalidMode(t *testing.T) {
	home := t.TempDir()
	err := runSetupWithArgs(t, []string{"--home", home, "--mode", "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}

func TestSetupCloudModeRequiresBaseURL(t *testing.T) {
	home := t.TempDir()
	err := runSetupWithArgs(t, []string{
		"--home", home,
		"--mode", "cloud",
		"--address", "bot@example.com",
		"--api-base-url", "",
		"--project-path", home,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
}
