// Package cmd implements the ccjk command line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ccjk-org/ccjk/internal/config"
	"github.com/ccjk-org/ccjk/internal/daemon"
	"github.com/ccjk-org/ccjk/internal/logger"
)

// Exit codes. Mapping from error to code happens once, here in the CLI
// layer.
const (
	ExitOK       = 0
	ExitConfig   = 1
	ExitLockHeld = 2
	ExitFatal    = 3
)

// Context holds the configuration for a command.
type Context struct {
	context.Context

	Command *cobra.Command
	Flags   []commandLineFlag
	Config  *config.Config
	Quiet   bool
}

// NewContext loads the configuration, sets up the logger context, and logs
// any warnings collected during loading.
func NewContext(cmd *cobra.Command, flags []commandLineFlag) (*Context, error) {
	ctx := cmd.Context()

	if err := bindFlags(cmd, flags); err != nil {
		return nil, err
	}

	quiet := false
	if cmd.Flags().Lookup("quiet") != nil {
		quiet, _ = cmd.Flags().GetBool("quiet")
	}

	var loaderOpts []config.LoaderOption
	if cfgPath := viper.GetString("config"); cfgPath != "" {
		loaderOpts = append(loaderOpts, config.WithConfigFile(cfgPath))
	}
	if home := viper.GetString("home"); home != "" {
		loaderOpts = append(loaderOpts, config.WithHome(home))
	}

	cfg, err := config.Load(loaderOpts...)
	if err != nil {
		return nil, err
	}

	var opts []logger.Option
	if cfg.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.LogFormat != "" {
		opts = append(opts, logger.WithFormat(cfg.LogFormat))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	for _, w := range cfg.Warnings {
		logger.Warn(ctx, w)
	}

	return &Context{
		Context: ctx,
		Command: cmd,
		Flags:   flags,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// LogToFile rebuilds the logger context with an additional JSON sink. The
// daemon uses it to mirror every record into the rotating log file.
func (c *Context) LogToFile(path string) {
	var opts []logger.Option
	if c.Config.Debug {
		opts = append(opts, logger.WithDebug())
	}
	if c.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if c.Config.LogFormat != "" {
		opts = append(opts, logger.WithFormat(c.Config.LogFormat))
	}
	opts = append(opts, logger.WithSink(logger.NewRotatingSink(path)))
	c.Context = logger.WithLogger(c.Context, logger.NewLogger(opts...))
}

// NewCommand wraps a cobra command with flag registration, Context
// construction, and the error-to-exit-code mapping.
func NewCommand(cmd *cobra.Command, flags []commandLineFlag, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	initFlags(cmd, flags)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd, flags)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Initialization error: %v\n", err)
			os.Exit(exitCodeFor(err))
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", "err", err)
			os.Exit(exitCodeFor(err))
		}
		return nil
	}

	return cmd
}

// exitCodeFor maps an error to the process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, config.ErrConfig):
		return ExitConfig
	case errors.Is(err, daemon.ErrLockHeld):
		return ExitLockHeld
	default:
		return ExitFatal
	}
}
