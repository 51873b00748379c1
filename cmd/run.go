package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/build-engine/internal/config"
	"yqhp/build-engine/internal/engine"
	"yqhp/build-engine/internal/manager"
	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/internal/worker"
)

var (
	// run 命令的 flags
	runWorkers int
	runPool    int
)

// runCmd 是 run 子命令
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "在本进程内执行一次增量构建",
	Long: `在本进程内执行 builder 段描述的增量构建。

默认直接使用本地执行引擎；指定 --workers 时在进程内启动
一个 Manager 和 N 个 Worker，按分块方式执行。`,
	Example: `  # 单进程运行
  build-engine run --config build.yaml

  # 进程内 4 个 Worker 分块运行
  build-engine run --config build.yaml --workers 4

  # 临时修改分块大小
  build-engine run --config build.yaml --set builder.chunk_size=200`,
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "进程内 Worker 数量，0 表示不分块")
	runCmd.Flags().IntVar(&runPool, "pool", 0, "本地转换协程数，0 表示等于 chunk_size")
}

func runBuild(cmd *cobra.Command, args []string) error {
	a, err := newApp(config.RoleLocal)
	if err != nil {
		return err
	}
	defer a.close()

	if runWorkers > 0 {
		return a.runDistributed(cmd, runWorkers)
	}

	b, err := a.newBuilder()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx := cmd.Context()
	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("连接存储失败: %w", err)
	}

	stats, err := engine.New(engine.Options{Workers: runPool, Logger: a.log}).Run(ctx, b)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "处理 %d 条，失败 %d 条，共 %d 批，耗时 %s\n",
			stats.Processed, stats.Failed, stats.Batches, stats.Duration)
	}
	return nil
}

// runDistributed 在进程内通过内存传输运行 Manager 和 n 个 Worker。
func (a *app) runDistributed(cmd *cobra.Command, n int) error {
	b, err := a.newBuilder()
	if err != nil {
		return err
	}

	server := transport.NewMemoryServer()
	mgr := manager.New(a.cfg.Manager.Config, b, server, a.log)

	wcfg := a.cfg.Worker
	wcfg.NumWorkers = runPool
	if wcfg.Hostname == "" {
		wcfg.Hostname = worker.Hostname()
	}

	workers := make([]*worker.Worker, 0, n)
	for i := 0; i < n; i++ {
		client, err := server.Connect(worker.NewIdentity(wcfg.Hostname))
		if err != nil {
			_ = b.Close()
			return err
		}
		workers = append(workers, worker.New(wcfg, client, a.registry, a.log))
	}

	// Manager 返回后仍在等待的 Worker 通过取消上下文退出
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("worker stopped", zap.Error(err))
			}
			return nil
		})
	}

	runErr := mgr.Run(ctx)
	cancel()
	_ = g.Wait()
	if runErr != nil {
		return runErr
	}

	executed := 0
	for _, w := range workers {
		executed += w.Executed()
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "构建完成，%d 个 Worker 共执行 %d 个分块。\n", n, executed)
	}
	return nil
}
