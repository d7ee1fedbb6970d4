package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const (
	configEnvVar      = "SYMHUB_CONFIG"
	defaultConfigPath = "config.toml"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	probe       bool
}

// newRootCommand 构建 symhub 根命令与 probe 子命令。解析完成后把结果交给 action。
func newRootCommand(action func(cliOptions)) *cobra.Command {
	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	rootCmd := &cobra.Command{
		Use:           "symhub",
		Short:         "Caching proxy for Windows symbol servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			action(cliOptions{
				configPath:  resolveConfigPath(configFlag),
				checkOnly:   checkOnly,
				showVersion: showVer,
			})
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnvVar+" 覆盖）")
	rootCmd.Flags().BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	rootCmd.Flags().BoolVar(&showVer, "version", false, "显示版本信息")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "探测所有上游来源的连通性后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			action(cliOptions{
				configPath: resolveConfigPath(configFlag),
				probe:      true,
			})
			return nil
		},
	})

	return rootCmd
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	var parsed cliOptions
	cmd := newRootCommand(func(opts cliOptions) { parsed = opts })
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	return parsed, nil
}

// execute 解析参数并运行，返回进程退出码。参数错误返回 2。
func execute(args []string) int {
	code := 0
	cmd := newRootCommand(func(opts cliOptions) { code = run(opts) })
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(stdErr, "解析参数失败: %v\n", err)
		return 2
	}
	return code
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnvVar); env != "" {
		return env
	}
	return defaultConfigPath
}
