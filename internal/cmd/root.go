package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "adlence.json"

// NewRootCmd creates the root cobra command for adlence.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "adlence",
		Short: "AdLence API server",
		Long:  "AdLence serves the credit-metered ad generation API, Stripe checkout and the waiting list.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file (default "+defaultConfigPath+" if present)")

	return root
}
