package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/nimbus-durable/internal/domain"
	"github.com/spf13/cobra"
)

var waitInterval time.Duration

var waitCmd = &cobra.Command{
	Use:   "wait <instance-id>",
	Short: "Poll an instance until it finishes",
	Long: `Poll the status endpoint until the instance completes or fails, bounded by --timeout.

Examples:
  durablectl wait order-42 --timeout 2m --interval 2s`,
	Args: cobra.ExactArgs(1),
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)
	waitCmd.Flags().DurationVar(&waitInterval, "interval", time.Second, "Polling interval")
}

func runWait(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	inst, err := newClient().WaitForCompletion(ctx, args[0], waitInterval)
	if err != nil {
		if inst != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("instance %s still %s: %w", inst.InstanceID, inst.Status, err)
		}
		return err
	}
	if err := NewPrinter(cmd.OutOrStdout()).PrintInstance(inst); err != nil {
		return err
	}
	if inst.Status == domain.InstanceStatusFailed {
		return fmt.Errorf("orchestration %s failed", inst.InstanceID)
	}
	return nil
}
