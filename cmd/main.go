package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ccjk-org/ccjk/internal/build"
	"github.com/ccjk-org/ccjk/internal/cmd"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cmd.ExitFatal)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:          build.Slug,
		Short:        "Remote command execution daemon",
		Long:         `ccjk runs shell commands received over email or from the cloud control service, gated by a local security policy, and reports the results back.`,
		Version:      build.Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress console log output")

	rootCmd.AddCommand(
		cmd.CmdSetup(),
		cmd.CmdStart(),
		cmd.CmdStop(),
		cmd.CmdStatus(),
		cmd.CmdLogs(),
		cmd.CmdVersion(),
	)

	return rootCmd.Execute()
}
