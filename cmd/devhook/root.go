package main

import (
	"fmt"

	"devhook/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root devhook command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "devhook",
		Short:         "GitHub webhook task dispatcher",
		Long:          "devhook receives GitHub webhook events and dispatches them as tasks\nonto a fixed pool of sandboxed execution slots.",
		Version:       fmt.Sprintf("devhook %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newStatusCmd(),
	)

	return cmd
}
