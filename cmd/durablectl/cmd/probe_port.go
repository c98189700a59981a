package cmd

import (
	"fmt"

	"github.com/oriys/nimbus-durable/internal/listener"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	probeHost        string
	probeDefaultPort int
	probeFallbackMin int
	probeFallbackMax int
	probeAttempts    int
	probeCheck       int
)

var probePortCmd = &cobra.Command{
	Use:   "probe-port",
	Short: "Find the port the local RPC listener would bind",
	Long: `Run the same port negotiation as the worker: try the default port, then probe the fallback range.

Examples:
  durablectl probe-port
  durablectl probe-port --check 4001`,
	Args: cobra.NoArgs,
	RunE: runProbePort,
}

func init() {
	rootCmd.AddCommand(probePortCmd)

	d := listener.DefaultConfig()
	probePortCmd.Flags().StringVar(&probeHost, "host", d.Host, "Loopback host")
	probePortCmd.Flags().IntVar(&probeDefaultPort, "default-port", d.DefaultPort, "Preferred port")
	probePortCmd.Flags().IntVar(&probeFallbackMin, "fallback-min", d.FallbackMin, "Fallback range start (inclusive)")
	probePortCmd.Flags().IntVar(&probeFallbackMax, "fallback-max", d.FallbackMax, "Fallback range end (exclusive)")
	probePortCmd.Flags().IntVar(&probeAttempts, "attempts", d.ProbeAttempts, "Fallback probe attempts")
	probePortCmd.Flags().IntVar(&probeCheck, "check", 0, "Only report whether this port is free")
}

func runProbePort(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if probeCheck > 0 {
		if listener.ProbePort(probeHost, probeCheck) {
			fmt.Fprintf(out, "Port %d is available\n", probeCheck)
			return nil
		}
		return fmt.Errorf("port %d is in use", probeCheck)
	}

	cfg := listener.Config{
		Host:          probeHost,
		DefaultPort:   probeDefaultPort,
		FallbackMin:   probeFallbackMin,
		FallbackMax:   probeFallbackMax,
		ProbeAttempts: probeAttempts,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	port, err := listener.NewPortNegotiator(cfg, logger, nil).FindPort()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d\n", port)
	return nil
}
