package config

import (
	"os"
	"path/filepath"

	"github.com/ccjk-org/ccjk/internal/build"
	"github.com/ccjk-org/ccjk/internal/fileutil"
)

// EnvHome overrides the configuration home directory when set.
const EnvHome = "CCJK_HOME"

// Paths groups every file the daemon owns under the configuration home.
type Paths struct {
	Home       string
	ConfigFile string
	KeyFile    string
	LockFile   string
	LogFile    string
	EnvFile    string
}

// ResolvePaths derives the daemon file layout from the configuration home.
// The home is CCJK_HOME when set, otherwise <user home>/.ccjk.
func ResolvePaths(home string) Paths {
	if home == "" {
		home = os.Getenv(EnvHome)
	}
	if home == "" {
		home = filepath.Join(fileutil.MustGetUserHomeDir(), "."+build.Slug)
	}
	return Paths{
		Home:       home,
		ConfigFile: filepath.Join(home, "daemon-config.json"),
		KeyFile:    filepath.Join(home, "credentials", "key"),
		LockFile:   filepath.Join(home, "daemon.lock"),
		LogFile:    filepath.Join(home, "daemon.log"),
		EnvFile:    filepath.Join(home, ".env"),
	}
}
