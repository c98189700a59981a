package cmd

import (
	"fmt"

	"github.com/oriys/nimbus-durable/internal/api"
	"github.com/oriys/nimbus-durable/internal/rpc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

var functionsRPC string

var functionsCmd = &cobra.Command{
	Use:   "functions",
	Short: "List functions registered in the worker",
	Long: `List the orchestrator, activity and entity functions registered in the worker.

By default the HTTP admin endpoint is used. With --rpc the local RPC side channel is queried instead.

Examples:
  durablectl functions
  durablectl functions --rpc 127.0.0.1:4001`,
	Args: cobra.NoArgs,
	RunE: runFunctions,
}

func init() {
	rootCmd.AddCommand(functionsCmd)
	functionsCmd.Flags().StringVar(&functionsRPC, "rpc", "", "Query the RPC listener at this address instead of the HTTP API")
}

func runFunctions(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext()
	defer cancel()

	printer := NewPrinter(cmd.OutOrStdout())
	if functionsRPC == "" {
		fns, err := newClient().Functions(ctx)
		if err != nil {
			return err
		}
		return printer.PrintFunctions(fns)
	}

	client, err := rpc.Dial(ctx, functionsRPC, grpc.WithBlock())
	if err != nil {
		return err
	}
	defer client.Close()
	if ok, err := client.Healthy(ctx); err != nil || !ok {
		return fmt.Errorf("worker at %s is not serving: %v", functionsRPC, err)
	}
	infos, err := client.Functions(ctx)
	if err != nil {
		return err
	}
	fns := make([]api.FunctionMetadata, 0, len(infos))
	for _, info := range infos {
		fns = append(fns, api.MetadataFor(info))
	}
	return printer.PrintFunctions(fns)
}
