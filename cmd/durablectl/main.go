// Package main 是 durablectl 命令行工具的入口点
// durablectl 通过 HTTP 轮询接口管理 Durable 工作进程中的编排实例
package main

import (
	"os"

	"github.com/oriys/nimbus-durable/cmd/durablectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
