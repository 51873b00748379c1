package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/build-engine/internal/config"
	"yqhp/build-engine/internal/manager"
	"yqhp/build-engine/internal/transport"
)

var (
	// manager 命令的 flags
	managerAddress string
	managerChunks  int
	managerTimeout time.Duration
)

// managerCmd 是 manager 子命令
var managerCmd = &cobra.Command{
	Use:   "manager",
	Short: "启动 Manager，分块并分发构建任务",
	Long: `Manager 计算待处理的键集合，将其划分为互不相交的分块，
依次分发给空闲的 Worker，并根据心跳检测失联或停滞的 Worker。
任一 Worker 报错或超时都会终止整个运行。`,
	Example: `  # 使用配置文件启动
  build-engine manager --config build.yaml

  # 指定监听地址与分块数
  build-engine manager --config build.yaml --address :7400 --chunks 16

  # 使用 redis 队列传输
  build-engine manager --config build.yaml --set transport.backend=queue`,
	RunE: runManager,
}

func init() {
	rootCmd.AddCommand(managerCmd)

	managerCmd.Flags().StringVar(&managerAddress, "address", "", "websocket 监听地址")
	managerCmd.Flags().IntVar(&managerChunks, "chunks", 0, "分块数")
	managerCmd.Flags().DurationVar(&managerTimeout, "worker-timeout", 0, "单个 Worker 的静默超时")
}

func runManager(cmd *cobra.Command, args []string) error {
	a, err := newApp(config.RoleManager)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg.Manager
	if cmd.Flags().Changed("address") {
		cfg.Address = managerAddress
	}
	if cmd.Flags().Changed("chunks") {
		cfg.NumChunks = managerChunks
	}
	if cmd.Flags().Changed("worker-timeout") {
		cfg.WorkerTimeout = managerTimeout
	}

	b, err := a.newBuilder()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	server, err := transport.NewServer(ctx, a.cfg.Transport, cfg.Address, a.log)
	if err != nil {
		_ = b.Close()
		return fmt.Errorf("启动传输层失败: %w", err)
	}

	m := manager.New(cfg.Config, b, server, a.log)
	if err := m.Run(ctx); err != nil {
		return err
	}
	a.log.Info("manager finished", zap.Int("chunks", len(m.Chunks())))
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "构建完成，共 %d 个分块。\n", len(m.Chunks()))
	}
	return nil
}
