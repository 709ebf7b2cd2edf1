package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
	isBool                               bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $HOME/.ccjk/daemon-config.json)",
	}
	homeFlag = commandLineFlag{
		name:  "home",
		usage: "daemon home directory (default is $HOME/.ccjk)",
	}
)

// initFlags registers the command's flags plus the config/home pair every
// command accepts.
func initFlags(cmd *cobra.Command, addFlags []commandLineFlag) {
	flags := append([]commandLineFlag{configFlag, homeFlag}, addFlags...)
	for _, flag := range flags {
		if flag.isBool {
			cmd.Flags().BoolP(flag.name, flag.shorthand, flag.defaultValue == "true", flag.usage)
		} else {
			cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		}
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

// bindFlags makes each flag visible to viper under its own name.
func bindFlags(cmd *cobra.Command, addFlags []commandLineFlag) error {
	flags := append([]commandLineFlag{configFlag, homeFlag}, addFlags...)
	for _, flag := range flags {
		if err := viper.BindPFlag(flag.name, cmd.Flags().Lookup(flag.name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag.name, err)
		}
	}
	return nil
}
