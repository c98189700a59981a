package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	raiseData string
	raiseFile string
)

var raiseCmd = &cobra.Command{
	Use:   "raise <instance-id> <event>",
	Short: "Raise an external event to an instance",
	Long: `Deliver an external event to a running orchestration instance.

Examples:
  durablectl raise order-42 Approved --data true`,
	Args: cobra.ExactArgs(2),
	RunE: runRaise,
}

func init() {
	rootCmd.AddCommand(raiseCmd)
	raiseCmd.Flags().StringVarP(&raiseData, "data", "d", "", "JSON event data")
	raiseCmd.Flags().StringVarP(&raiseFile, "file", "f", "", "JSON event data file")
}

func runRaise(cmd *cobra.Command, args []string) error {
	data, err := readPayload(cmd, raiseData, raiseFile)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	if err := newClient().RaiseEvent(ctx, args[0], args[1], data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Event '%s' raised to instance %s\n", args[1], args[0])
	return nil
}
