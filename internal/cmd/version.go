package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ccjk-org/ccjk/internal/build"
)

// CmdVersion creates the version command.
func CmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the binary version",
		Long:  `Print the current version and build details of the ccjk executable.`,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("%s %s (commit %s, built %s)\n",
				build.Slug, build.Version, build.Commit, build.Date)
		},
	}
}
