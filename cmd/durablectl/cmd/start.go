package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// start 命令的标志变量
var (
	startData    string
	startFile    string
	startID      string
	startWait    bool
	startWaitFor time.Duration
)

var startCmd = &cobra.Command{
	Use:   "start <orchestrator>",
	Short: "Start an orchestration instance",
	Long: `Start an orchestration instance. Versioned orchestrators are addressed as name@version.

Examples:
  # Start with JSON input
  durablectl start Hello --data '"Tokyo"'

  # Start with a fixed instance id and wait up to 30s for the result
  durablectl start Hello --id order-42 --data '"Tokyo"' --wait --wait-timeout 30s`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startData, "data", "d", "", "JSON input")
	startCmd.Flags().StringVarP(&startFile, "file", "f", "", "JSON input file")
	startCmd.Flags().StringVar(&startID, "id", "", "Instance id (generated when empty)")
	startCmd.Flags().BoolVarP(&startWait, "wait", "w", false, "Wait for the orchestration to finish")
	startCmd.Flags().DurationVar(&startWaitFor, "wait-timeout", 10*time.Second, "How long the worker waits before returning the status links")
}

// runStart 启动编排；--wait 时由服务端等待，超时后输出管理链接。
func runStart(cmd *cobra.Command, args []string) error {
	input, err := readPayload(cmd, startData, startFile)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext()
	defer cancel()

	client := newClient()
	printer := NewPrinter(cmd.OutOrStdout())
	if !startWait {
		cs, err := client.Start(ctx, args[0], startID, input)
		if err != nil {
			return err
		}
		return printer.PrintCheckStatus(cs)
	}

	res, err := client.StartAndWait(ctx, args[0], startID, input, startWaitFor)
	if err != nil {
		return err
	}
	switch {
	case res.Pending != nil:
		return printer.PrintCheckStatus(res.Pending)
	case res.Failed != nil:
		if err := printer.PrintInstance(res.Failed); err != nil {
			return err
		}
		return fmt.Errorf("orchestration %s failed", res.Failed.InstanceID)
	default:
		return printer.PrintOutput(res.Output)
	}
}
