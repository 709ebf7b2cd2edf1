package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ccjk-org/ccjk/internal/build"
	"github.com/ccjk-org/ccjk/internal/fileutil"
)

// Loader handles the configuration lifecycle: file read, environment
// overrides, defaults, validation, and credential decryption.
type Loader struct {
	configFile string
	home       string
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithConfigFile reads the configuration from an explicit file instead of
// <home>/daemon-config.json.
func WithConfigFile(path string) LoaderOption {
	return func(l *Loader) { l.configFile = path }
}

// WithHome overrides the configuration home directory.
func WithHome(dir string) LoaderOption {
	return func(l *Loader) { l.home = dir }
}

// Load reads and validates the daemon configuration.
func Load(opts ...LoaderOption) (*Config, error) {
	loader := &Loader{}
	for _, opt := range opts {
		opt(loader)
	}
	cfg, err := loader.load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// envBindings lists the configuration keys that accept CCJK_* environment
// overrides. viper needs nested keys bound explicitly for Unmarshal to see
// them.
var envBindings = []string{
	"mode",
	"email.imapHost",
	"email.imapPort",
	"email.smtpHost",
	"email.smtpPort",
	"email.address",
	"email.encryptedPassword",
	"cloud.apiBaseUrl",
	"cloud.deviceKey",
	"projectPath",
	"checkIntervalSec",
	"taskTimeoutSec",
	"heartbeatIntervalSec",
	"maxConcurrentTasks",
	"debug",
	"logFormat",
}

func (l *Loader) load() (*Config, error) {
	paths := ResolvePaths(l.home)

	// A local .env is a convenience for development setups; missing is fine.
	if fileutil.FileExists(paths.EnvFile) {
		if err := godotenv.Load(paths.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", paths.EnvFile, err)
		}
	}

	v := viper.New()
	configFile := l.configFile
	if configFile == "" {
		configFile = paths.ConfigFile
	}
	v.SetConfigFile(configFile)
	v.SetConfigType("json")

	v.SetEnvPrefix(strings.ToUpper(build.Slug))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envBindings {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if !fileutil.FileExists(configFile) {
			return nil, fmt.Errorf("config file %s not found (run setup first)", configFile)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		modeDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Paths = paths
	cfg.setDefaults()

	if cfg.ProjectPath != "" {
		resolved, err := fileutil.ResolvePath(cfg.ProjectPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve projectPath: %w", err)
		}
		cfg.ProjectPath = resolved
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Mode.EmailEnabled() && cfg.Email.EncryptedPassword != "" {
		material, err := LoadOrCreateKey(paths.KeyFile)
		if err != nil {
			return nil, err
		}
		password, err := DecryptSecret(material, cfg.Email.EncryptedPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt email password: %w", err)
		}
		cfg.Email.Password = password
	}

	return &cfg, nil
}

// modeDecodeHook converts the mode string into a Mode value during unmarshal.
func modeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(Mode("")) {
			return data, nil
		}
		mode := Mode(strings.ToLower(strings.TrimSpace(data.(string))))
		if !mode.Valid() {
			return nil, fmt.Errorf("invalid mode %q", data)
		}
		return mode, nil
	}
}
