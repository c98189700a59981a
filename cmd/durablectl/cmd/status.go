package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [instance-id]",
	Short: "Show orchestration instance status",
	Long: `Show the status of one orchestration instance, or list all instances when no id is given.

Examples:
  durablectl status order-42
  durablectl status -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	client := newClient()
	printer := NewPrinter(cmd.OutOrStdout())
	if len(args) == 0 {
		list, err := client.List(ctx)
		if err != nil {
			return err
		}
		return printer.PrintInstances(list)
	}
	inst, err := client.Status(ctx, args[0])
	if err != nil {
		return err
	}
	return printer.PrintInstance(inst)
}
