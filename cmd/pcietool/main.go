package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pcie_tool/pkg/errorutil"
	"pcie_tool/pkg/hw/pciecmd"
	"pcie_tool/pkg/initutil"
	"pcie_tool/pkg/logutil"
)

const TOOL_VERSION = "1.0.0+20261019"

func main() {
	var rootCmd = &cobra.Command{
		Use:     "pcietool",
		Short:   fmt.Sprintf("pcietool v%s PCIe Root Complex 启动与链路诊断(模拟平台)", TOOL_VERSION),
		Version: TOOL_VERSION,
	}

	rootCmd.AddCommand(pciecmd.PCIECmd())
	var logFile string
	logLevel := logutil.WARN

	// 定义全局flag(屁股后面带P的函数才支持短选项)
	rootCmd.PersistentFlags().VarP(&logLevel, "log-level", "e", "日志等级(DEBUG/INFO/WARN/ERROR)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "log-file", "l", "pcietool.log", "日志文件名(stdout 表示标准输出)")
	// 阻止 Cobra 在命令参数错误时输出帮助
	rootCmd.SilenceUsage = true
	// 错误统一在下面按 JSON 打印
	rootCmd.SilenceErrors = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errorutil.NewExitError(errorutil.CodeInvalidUsage, err)
	})

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initutil.InitSystem(logFile, logLevel)
		return nil
	}

	if err := rootCmd.Execute(); err != nil {
		logutil.Error("命令执行失败: %v", err)
		line, code := errorutil.FormatErrorAndCode(err)
		fmt.Fprintln(os.Stderr, line)
		logutil.CloseLogger()
		os.Exit(code)
	}

	// 不要用defer，因为defer是在函数返回前执行的，而不是os.Exit()执行前执行
	logutil.CloseLogger()
	os.Exit(errorutil.CodeSuccess)
}
