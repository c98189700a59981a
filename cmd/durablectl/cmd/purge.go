package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge <instance-id>...",
	Short: "Purge the history of finished instances",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	client := newClient()
	for _, id := range args {
		if err := client.Purge(ctx, id); err != nil {
			return fmt.Errorf("purge %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Instance %s purged\n", id)
	}
	return nil
}
