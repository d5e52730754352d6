package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/herald/cmd/herald/commands"
	"github.com/teranos/herald/logger"
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "herald - scheduled marketing campaign execution",
	Long: `herald - scheduled marketing campaign execution.

herald turns workflow schedules (immediate, delayed, one-shot, recurring)
into persisted jobs, fires them when due and sends each step to its
recipients through a templated channel with a plain-text fallback.

Available commands:
  am        - Manage configuration
  pulse     - Run and inspect the scheduling daemon
  schedule  - Register, cancel and inspect workflow schedules
  contacts  - Manage campaign contacts
  db        - Manage the database
  version   - Show version information

Examples:
  herald am show                         # Show current configuration
  herald pulse start                     # Start the daemon
  herald schedule register weekend-sale  # Schedule a workflow
  herald schedule list --status pending  # List pending jobs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.ScheduleCmd)
	rootCmd.AddCommand(commands.ContactsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
