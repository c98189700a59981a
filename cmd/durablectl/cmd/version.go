package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// 版本信息变量，在构建时通过 ldflags 设置。
// 例如: go build -ldflags "-X github.com/oriys/nimbus-durable/cmd/durablectl/cmd.Version=1.0.0"
var (
	// Version 是 CLI 的版本号，默认为 "dev" 表示开发版本
	Version = "dev"
	// GitCommit 是构建时的 Git 提交哈希
	GitCommit = "unknown"
	// BuildDate 是构建日期
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "durablectl version %s\n", Version)
		fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Build date: %s\n", BuildDate)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
