// Package cmd 包含 durablectl CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/oriys/nimbus-durable/internal/apiclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cfgFile   string        // 配置文件路径
	apiURL    string        // 工作进程 HTTP 地址
	outputFmt string        // 输出格式（table/json/yaml）
	timeout   time.Duration // 单次请求超时
)

// rootCmd 是 CLI 的根命令
// 所有子命令都挂载在这个根命令下
var rootCmd = &cobra.Command{
	Use:   "durablectl",
	Short: "durablectl - manage durable orchestrations",
	Long: `durablectl 是管理 Durable 工作进程中编排实例的命令行工具。

使用示例:
  # 启动编排并等待结果
  durablectl start Hello --data '"Tokyo"' --wait

  # 查询实例状态
  durablectl status 3f0c...

  # 投递外部事件
  durablectl raise 3f0c... Approved --data true

  # 列出工作进程注册的函数
  durablectl functions`,
	SilenceUsage: true,
}

// Execute 执行根命令
// 这是 CLI 的入口函数，由 main 包调用
func Execute() error {
	return rootCmd.Execute()
}

// init 初始化命令行工具
// 注册全局标志和配置初始化函数
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.nimbus-durable.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "工作进程 HTTP 地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "请求超时")

	// 将标志绑定到 viper 配置
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
}

// initConfig 初始化配置
// 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nimbus-durable")
	}

	// 环境变量格式：NIMBUS_DURABLE_<KEY>，如 NIMBUS_DURABLE_API_URL
	viper.SetEnvPrefix("NIMBUS_DURABLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// 配置文件不存在时忽略
	_ = viper.ReadInConfig()
}

// newClient 根据当前配置创建 HTTP 客户端。
func newClient() *apiclient.Client {
	return apiclient.New(viper.GetString("api_url"))
}

// requestContext 返回带请求超时的上下文。
func requestContext() (context.Context, context.CancelFunc) {
	d := viper.GetDuration("timeout")
	if d <= 0 {
		d = time.Minute
	}
	return context.WithTimeout(context.Background(), d)
}

// readPayload 从 --data、--file 或标准输入读取 JSON 载荷，都没有时返回 nil。
func readPayload(cmd *cobra.Command, data, file string) (json.RawMessage, error) {
	var payload []byte
	switch {
	case data != "":
		payload = []byte(data)
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		payload = b
	default:
		if f, ok := cmd.InOrStdin().(*os.File); ok {
			if stat, err := f.Stat(); err != nil || stat.Mode()&os.ModeCharDevice != 0 {
				return nil, nil
			}
		}
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		payload = b
	}
	if strings.TrimSpace(string(payload)) == "" {
		return nil, nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("invalid JSON payload")
	}
	return payload, nil
}
