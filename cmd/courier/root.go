package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"courier/internal/version"
)

// newRootCmd creates the root courier command with all subcommands
// attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "courier",
		Short:         "Terminal message injection for AI coding agents",
		Long:          "courier wraps an interactive agent CLI in a pseudo-terminal,\ninjects broker messages at safe moments, and verifies delivery.",
		Version:       fmt.Sprintf("courier %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newVersionCmd(),
	)

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the courier version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "courier %s\n", version.String())
		},
	}
}
