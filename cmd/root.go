// Package cmd 提供 build-engine CLI 的命令实现
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/internal/config"
	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/pkg/logger"
)

// Version 是当前版本号
const Version = "0.1.0"

var (
	// 全局配置
	cfgFile   string
	overrides map[string]string
	debug     bool
	quiet     bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "build-engine",
	Short: "分布式增量构建引擎",
	Long: `build-engine 在源存储与目标存储之间执行增量构建：
只处理新增或变更的记录，可在本地运行，也可由 Manager 分块分发给多个 Worker。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd 打印版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "build-engine version %s\n", Version)
	},
}

// Execute 执行根命令
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringToStringVar(&overrides, "set", nil, "覆盖配置项，例如 --set manager.num_chunks=8")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(versionCmd)
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// app 是一次命令执行所需的运行时组件
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	stores     *store.Factory
	transforms *builder.Transforms
	registry   *builder.Registry
}

// newApp 加载并校验配置，创建日志与构建器注册表。
func newApp(role config.Role) (*app, error) {
	loader := config.NewLoader().WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	switch {
	case debug:
		cfg.Logging.Level = "debug"
	case quiet:
		cfg.Logging.Level = "error"
	}
	if err := cfg.Validate(role); err != nil {
		return nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("创建日志失败: %w", err)
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		stores:     store.NewFactory(),
		transforms: builder.NewTransforms(),
		registry:   builder.NewRegistry(),
	}
	builder.RegisterDefaults(a.registry, a.stores, a.transforms, log)
	return a, nil
}

// newBuilder 根据配置中的 builder 段创建构建器。
func (a *app) newBuilder() (builder.Builder, error) {
	bc, err := a.cfg.BuilderConfig()
	if err != nil {
		return nil, err
	}
	return a.registry.Build(bc)
}

func (a *app) close() {
	_ = a.log.Sync()
}
