// Package config loads, validates, and persists the daemon configuration,
// including the encrypted mailbox credential.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ccjk-org/ccjk/internal/fileutil"
)

// ErrConfig wraps every configuration failure so the CLI can map it to the
// config-error exit code.
var ErrConfig = errors.New("config error")

// Mode selects which task sources the daemon runs.
type Mode string

const (
	ModeEmail  Mode = "email"
	ModeCloud  Mode = "cloud"
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether the mode is one of the three supported values.
func (m Mode) Valid() bool {
	switch m {
	case ModeEmail, ModeCloud, ModeHybrid:
		return true
	default:
		return false
	}
}

// EmailEnabled reports whether the email source and sink are active.
func (m Mode) EmailEnabled() bool { return m == ModeEmail || m == ModeHybrid }

// CloudEnabled reports whether the cloud client is active.
func (m Mode) CloudEnabled() bool { return m == ModeCloud || m == ModeHybrid }

// Default interval and limit values applied when the config file leaves a
// field unset.
const (
	DefaultCheckIntervalSec     = 30
	DefaultTaskTimeoutSec       = 300
	DefaultHeartbeatIntervalSec = 30
	DefaultMaxConcurrentTasks   = 1
	DefaultResultPostRetries    = 6
	DefaultResultPostBackoffMs  = 100
)

// Email holds the IMAP/SMTP credentials. The password is stored encrypted;
// Loader decrypts it into Password at load time.
type Email struct {
	IMAPHost          string `mapstructure:"imapHost" json:"imapHost"`
	IMAPPort          int    `mapstructure:"imapPort" json:"imapPort"`
	SMTPHost          string `mapstructure:"smtpHost" json:"smtpHost"`
	SMTPPort          int    `mapstructure:"smtpPort" json:"smtpPort"`
	Address           string `mapstructure:"address" json:"address"`
	EncryptedPassword string `mapstructure:"encryptedPassword" json:"encryptedPassword"`

	// Password is the decrypted credential. Never serialized.
	Password string `mapstructure:"-" json:"-"`
}

// Cloud holds the control-service endpoint and the device secret.
type Cloud struct {
	APIBaseURL string `mapstructure:"apiBaseUrl" json:"apiBaseUrl"`
	DeviceKey  string `mapstructure:"deviceKey" json:"deviceKey,omitempty"`
}

// Config is the daemon configuration. It is loaded once at startup and
// treated as read-only afterwards; the single runtime mutation is persisting
// a newly issued device key via SaveDeviceKey.
type Config struct {
	Mode  Mode  `mapstructure:"mode" json:"mode"`
	Email Email `mapstructure:"email" json:"email"`
	Cloud Cloud `mapstructure:"cloud" json:"cloud"`

	AllowedSenders   []string `mapstructure:"allowedSenders" json:"allowedSenders"`
	AllowPrefixes    []string `mapstructure:"allowPrefixes" json:"allowPrefixes,omitempty"`
	DenySubstrings   []string `mapstructure:"denySubstrings" json:"denySubstrings,omitempty"`
	MaxCommandLength int      `mapstructure:"maxCommandLength" json:"maxCommandLength,omitempty"`

	ProjectPath          string `mapstructure:"projectPath" json:"projectPath"`
	CheckIntervalSec     int    `mapstructure:"checkIntervalSec" json:"checkIntervalSec"`
	TaskTimeoutSec       int    `mapstructure:"taskTimeoutSec" json:"taskTimeoutSec"`
	HeartbeatIntervalSec int    `mapstructure:"heartbeatIntervalSec" json:"heartbeatIntervalSec"`
	MaxConcurrentTasks   int    `mapstructure:"maxConcurrentTasks" json:"maxConcurrentTasks"`

	ResultPostRetries   int `mapstructure:"resultPostRetries" json:"resultPostRetries,omitempty"`
	ResultPostBackoffMs int `mapstructure:"resultPostBackoffMs" json:"resultPostBackoffMs,omitempty"`

	Debug     bool   `mapstructure:"debug" json:"debug,omitempty"`
	LogFormat string `mapstructure:"logFormat" json:"logFormat,omitempty"`

	Paths    Paths    `mapstructure:"-" json:"-"`
	Warnings []string `mapstructure:"-" json:"-"`
}

// setDefaults fills unset numeric fields and the project path.
func (c *Config) setDefaults() {
	if c.CheckIntervalSec <= 0 {
		c.CheckIntervalSec = DefaultCheckIntervalSec
	}
	if c.TaskTimeoutSec <= 0 {
		c.TaskTimeoutSec = DefaultTaskTimeoutSec
	}
	if c.HeartbeatIntervalSec <= 0 {
		c.HeartbeatIntervalSec = DefaultHeartbeatIntervalSec
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	if c.ResultPostRetries <= 0 {
		c.ResultPostRetries = DefaultResultPostRetries
	}
	if c.ResultPostBackoffMs <= 0 {
		c.ResultPostBackoffMs = DefaultResultPostBackoffMs
	}
	if c.ProjectPath == "" {
		if wd, err := os.Getwd(); err == nil {
			c.ProjectPath = wd
		}
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: invalid mode %q (want email, cloud, or hybrid)", ErrConfig, c.Mode)
	}
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("%w: maxConcurrentTasks must be at least 1, got %d", ErrConfig, c.MaxConcurrentTasks)
	}
	if c.Mode.EmailEnabled() {
		switch {
		case c.Email.IMAPHost == "":
			return fmt.Errorf("%w: email.imapHost is required in %s mode", ErrConfig, c.Mode)
		case c.Email.SMTPHost == "":
			return fmt.Errorf("%w: email.smtpHost is required in %s mode", ErrConfig, c.Mode)
		case c.Email.Address == "":
			return fmt.Errorf("%w: email.address is required in %s mode", ErrConfig, c.Mode)
		}
		if len(c.AllowedSenders) == 0 {
			c.Warnings = append(c.Warnings, "allowedSenders is empty; every incoming email will be rejected")
		}
	}
	if c.Mode.CloudEnabled() && c.Cloud.APIBaseURL == "" {
		return fmt.Errorf("%w: cloud.apiBaseUrl is required in %s mode", ErrConfig, c.Mode)
	}
	return nil
}

// Save writes the configuration file atomically with owner-only permissions.
func (c *Config) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.Paths.ConfigFile), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')
	if err := fileutil.WriteFileAtomic(c.Paths.ConfigFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveDeviceKey persists a freshly issued device key. It is the only
// configuration field written after startup.
func (c *Config) SaveDeviceKey(key string) error {
	c.Cloud.DeviceKey = key
	return c.Save()
}
