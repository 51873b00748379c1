package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"yqhp/build-engine/internal/config"
	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/internal/worker"
)

var (
	// worker 命令的 flags
	workerManager  string
	workerHostname string
	workerPool     int
)

// workerCmd 是 worker 子命令
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "启动 Worker，执行 Manager 分发的分块",
	Long: `Worker 连接到 Manager 并报到，收到分块后在本地执行引擎中运行，
执行期间定期发送心跳。收到 EXIT 后退出；执行失败时上报一次错误后退出。`,
	Example: `  # 连接到 Manager
  build-engine worker --manager build-master:7400

  # 指定本地转换协程数
  build-engine worker --manager build-master:7400 --pool 32`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerManager, "manager", "", "Manager 地址")
	workerCmd.Flags().StringVar(&workerHostname, "hostname", "", "上报的主机名")
	workerCmd.Flags().IntVar(&workerPool, "pool", 0, "本地转换协程数，0 表示等于 chunk_size")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("manager") {
		overrides = withOverride(overrides, "worker.manager_address", workerManager)
	}
	a, err := newApp(config.RoleWorker)
	if err != nil {
		return err
	}
	defer a.close()

	cfg := a.cfg.Worker
	if cmd.Flags().Changed("hostname") {
		cfg.Hostname = workerHostname
	}
	if cmd.Flags().Changed("pool") {
		cfg.NumWorkers = workerPool
	}
	if cfg.Hostname == "" {
		cfg.Hostname = worker.Hostname()
	}

	ctx := cmd.Context()
	identity := worker.NewIdentity(cfg.Hostname)
	client, err := transport.NewClient(ctx, a.cfg.Transport, cfg.ManagerAddress, identity, a.log)
	if err != nil {
		return fmt.Errorf("连接 Manager 失败: %w", err)
	}

	w := worker.New(cfg, client, a.registry, a.log)
	if err := w.Run(ctx); err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "Worker %s 已退出，完成 %d 个分块。\n", identity, w.Executed())
	}
	return nil
}

// withOverride 返回加入一项覆盖后的新 map。
func withOverride(m map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
