// Package cmd 提供 dispatcher CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的横幅
	Banner = `
   ___  _               _       _
  |   \(_)____ __  __ _| |_ ___| |_  ___ _ _
  | |) | (_-< '_ \/ _' |  _/ __| ' \/ -_) '_|
  |___/|_/__/ .__/\__,_|\__\___|_||_\___|_|   %s
            |_|
`
)

var (
	// 全局配置
	cfgFile string
	debug   bool
	quiet   bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "分布式任务分发主节点",
	Long: `dispatcher 是一个任务分发主节点：接受 worker 的 TCP 连接，
把同一份工作负载和各自的区间发送给每个 worker，再把 worker 的输出依次收集到一个只追加的输出汇。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}
