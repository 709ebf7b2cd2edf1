package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccjk-org/ccjk/internal/cloud"
	"github.com/ccjk-org/ccjk/internal/config"
	"github.com/ccjk-org/ccjk/internal/daemon"
	"github.com/ccjk-org/ccjk/internal/logger"
	"github.com/ccjk-org/ccjk/internal/mailbox"
	"github.com/ccjk-org/ccjk/internal/mailer"
	"github.com/ccjk-org/ccjk/internal/policy"
)

// CmdStart creates the start command: run the daemon in the foreground.
func CmdStart() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "start",
			Short: "Run the daemon in the foreground",
			Long: `Start the command execution daemon.

The daemon polls the configured sources (mailbox and/or cloud control
service) for commands, gates them through the security policy, executes
them, and returns the results. It keeps running until SIGINT/SIGTERM or
"ccjk stop".

Example:
  ccjk start
`,
			Args: cobra.NoArgs,
		}, startFlags, runStart,
	)
}

var startFlags = []commandLineFlag{}

func runStart(ctx *Context, _ []string) error {
	cfg := ctx.Config
	ctx.LogToFile(cfg.Paths.LogFile)

	runCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pol := policy.New(policy.Config{
		AllowedSenders:   cfg.AllowedSenders,
		AllowPrefixes:    cfg.AllowPrefixes,
		DenySubstrings:   cfg.DenySubstrings,
		MaxCommandLength: cfg.MaxCommandLength,
	})

	var opts []daemon.Option

	if cfg.Mode.EmailEnabled() {
		fetcher := mailbox.NewIMAPClient(mailbox.IMAPConfig{
			Host:     cfg.Email.IMAPHost,
			Port:     cfg.Email.IMAPPort,
			Username: cfg.Email.Address,
			Password: cfg.Email.Password,
			Timeout:  2 * time.Duration(cfg.CheckIntervalSec) * time.Second,
		})
		opts = append(opts,
			daemon.WithEmailSource(mailbox.New(fetcher, pol)),
			daemon.WithResultSink(mailer.New(mailer.Config{
				Host:     cfg.Email.SMTPHost,
				Port:     cfg.Email.SMTPPort,
				Username: cfg.Email.Address,
				Password: cfg.Email.Password,
				From:     cfg.Email.Address,
			})))
	}

	if cfg.Mode.CloudEnabled() {
		session, cancelSession, err := buildCloudSession(runCtx, ctx)
		if err != nil {
			return err
		}
		defer cancelSession()
		opts = append(opts, daemon.WithCloudService(session))
	}

	d := daemon.New(cfg, pol, opts...)
	return d.Run(runCtx)
}

// buildCloudSession wires the control-service client, registering the device
// first when no key is stored yet. Server-advised interval and concurrency
// values override the local defaults.
func buildCloudSession(ctx context.Context, cmdCtx *Context) (*cloud.Session, context.CancelFunc, error) {
	cfg := cmdCtx.Config
	client := cloud.New(cloud.Config{
		BaseURL:           cfg.Cloud.APIBaseURL,
		DeviceKey:         cfg.Cloud.DeviceKey,
		ResultPostRetries: cfg.ResultPostRetries,
		ResultPostBackoff: time.Duration(cfg.ResultPostBackoffMs) * time.Millisecond,
	})

	var register cloud.RegisterFunc
	if cfg.Email.Address != "" && cfg.Email.Password != "" {
		register = func(ctx context.Context) (*cloud.RegisterData, error) {
			hostname, _ := os.Hostname()
			data, err := client.Register(ctx, cloud.RegisterRequest{
				Email:    cfg.Email.Address,
				Password: cfg.Email.Password,
				Device:   cloud.LocalDeviceInfo(hostname),
			})
			if err != nil {
				return nil, err
			}
			if err := cfg.SaveDeviceKey(data.DeviceKey); err != nil {
				logger.Warn(ctx, "Failed to persist device key; registration will repeat next start", "err", err)
			}
			return data, nil
		}
	}

	if cfg.Cloud.DeviceKey == "" {
		if register == nil {
			return nil, nil, fmt.Errorf("%w: no device key and no account credentials to register with",
				config.ErrConfig)
		}
		data, err := register(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("device registration failed: %w", err)
		}
		client.SetDeviceKey(data.DeviceKey)
		cloud.CheckMinVersion(ctx, data.MinVersion)
		// Server advice is safe to apply here, before any loop reads the
		// config; re-registration later on never touches it.
		applyServerAdvice(ctx, cmdCtx, data)
		logger.Info(ctx, "Device registered", "heartbeatIntervalSec", cfg.HeartbeatIntervalSec)
	}

	session := cloud.NewSession(client, register)

	// The session goroutine must outlive signal cancellation so the daemon
	// can still post results and go offline during shutdown.
	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go session.Run(sessionCtx)
	return session, cancel, nil
}

// applyServerAdvice folds server-advised overrides into the running config.
func applyServerAdvice(ctx context.Context, cmdCtx *Context, data *cloud.RegisterData) {
	cfg := cmdCtx.Config
	if data.HeartbeatIntervalSec > 0 && data.HeartbeatIntervalSec != cfg.HeartbeatIntervalSec {
		logger.Info(ctx, "Using server-advised heartbeat interval",
			"intervalSec", data.HeartbeatIntervalSec)
		cfg.HeartbeatIntervalSec = data.HeartbeatIntervalSec
	}
	if data.MaxConcurrentTasks > 0 && data.MaxConcurrentTasks != cfg.MaxConcurrentTasks {
		logger.Info(ctx, "Using server-advised concurrency limit",
			"maxConcurrentTasks", data.MaxConcurrentTasks)
		cfg.MaxConcurrentTasks = data.MaxConcurrentTasks
	}
}
