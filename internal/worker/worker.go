// Package worker 实现远程分块执行节点：向 Manager 报到、接收分块、
// 在本地执行引擎中运行，并在执行期间持续发送心跳。
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/internal/engine"
	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/pkg/logger"
	"yqhp/build-engine/pkg/utils"
)

// ErrReceiveTimeout 等待 Manager 消息超时。
var ErrReceiveTimeout = errors.New("worker: no message from manager")

// State Worker 状态
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateReady        State = "READY"
	StateAwaitingWork State = "AWAITING_WORK"
	StateExecuting    State = "EXECUTING"
	StateExited       State = "EXITED"
	StateErrored      State = "ERRORED"
)

// Config 保存 Worker 的配置信息。
type Config struct {
	// ManagerAddress Manager 地址（socket 传输时使用）
	ManagerAddress string `yaml:"manager_address" env:"BE_MANAGER_ADDRESS"`

	// Hostname 在 READY 消息中上报的主机名，默认取 os.Hostname
	Hostname string `yaml:"hostname" env:"BE_HOSTNAME"`

	// HeartbeatInterval 执行分块期间的心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"BE_HEARTBEAT_INTERVAL"`

	// ReceiveTimeout 等待下一条消息的最长时间，超时即退出
	ReceiveTimeout time.Duration `yaml:"receive_timeout" env:"BE_RECEIVE_TIMEOUT"`

	// NumWorkers 本地转换协程数，0 表示等于 chunk_size
	NumWorkers int `yaml:"num_workers" env:"BE_NUM_WORKERS"`
}

// DefaultConfig 返回默认的 Worker 配置。
func DefaultConfig() Config {
	return Config{
		ManagerAddress:    "127.0.0.1:7400",
		HeartbeatInterval: 5 * time.Second,
		ReceiveTimeout:    10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Hostname == "" {
		c.Hostname = Hostname()
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	return c
}

// Hostname 返回本机主机名，获取失败时返回 "unknown"。
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

// NewIdentity 生成传输层使用的唯一身份：主机名加随机后缀，
// 同一主机上的多个 Worker 互不冲突。
func NewIdentity(hostname string) string {
	return hostname + "-" + uuid.NewString()[:8]
}

// Worker 远程分块执行节点
type Worker struct {
	cfg      Config
	client   transport.Client
	registry *builder.Registry
	logger   *zap.Logger

	state    atomic.Value // State
	executed atomic.Int64
}

// New 创建 Worker。Run 返回前会关闭 client。
func New(cfg Config, client transport.Client, registry *builder.Registry, log *zap.Logger) *Worker {
	w := &Worker{
		cfg:      cfg.withDefaults(),
		client:   client,
		registry: registry,
		logger:   logger.OrNop(log).Named("worker").With(zap.String("identity", client.Identity())),
	}
	w.state.Store(StateConnecting)
	return w
}

// State 返回当前状态。
func (w *Worker) State() State {
	return w.state.Load().(State)
}

// Executed 返回已完成的分块数。
func (w *Worker) Executed() int {
	return int(w.executed.Load())
}

func (w *Worker) setState(s State) {
	if prev := w.state.Swap(s); prev != s {
		w.logger.Debug("state changed", zap.Any("from", prev), zap.String("to", string(s)))
	}
}

// Run 报到并循环处理 Manager 的消息，直到收到 EXIT 或发生致命错误。
func (w *Worker) Run(ctx context.Context) error {
	defer func() {
		if err := w.client.Close(); err != nil {
			w.logger.Debug("close transport", zap.Error(err))
		}
	}()

	if err := w.announce(ctx); err != nil {
		w.setState(StateErrored)
		return err
	}

	for {
		w.setState(StateAwaitingWork)
		msg, err := w.client.Receive(ctx, w.cfg.ReceiveTimeout)
		if errors.Is(err, transport.ErrTimeout) {
			w.setState(StateErrored)
			return fmt.Errorf("%w within %s", ErrReceiveTimeout, w.cfg.ReceiveTimeout)
		}
		if err != nil {
			w.setState(StateErrored)
			return fmt.Errorf("receive: %w", err)
		}

		switch msg.Kind {
		case transport.KindExit:
			w.setState(StateExited)
			w.logger.Info("exit requested", zap.Int("chunks", w.Executed()))
			return nil
		case transport.KindWork:
			w.setState(StateExecuting)
			if err := w.execute(ctx, msg.Payload); err != nil {
				w.setState(StateErrored)
				w.logger.Error("chunk failed", zap.Error(err))
				// 只上报一次，重试由 Manager 决定
				if serr := w.client.Send(context.WithoutCancel(ctx), transport.Error(err.Error())); serr != nil {
					w.logger.Warn("report error", zap.Error(serr))
				}
				return err
			}
			w.executed.Add(1)
			if err := w.announce(ctx); err != nil {
				w.setState(StateErrored)
				return err
			}
		default:
			w.logger.Warn("unexpected message", zap.String("kind", string(msg.Kind)))
		}
	}
}

// announce 发送 READY，同时表示"已完成"与"请分配工作"。
func (w *Worker) announce(ctx context.Context) error {
	if err := w.client.Send(ctx, transport.Ready(w.cfg.Hostname)); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	w.setState(StateReady)
	return nil
}

// execute 根据负载重建 Builder 并运行本地执行引擎。
func (w *Worker) execute(ctx context.Context, payload []byte) error {
	return utils.Recover(func() error {
		b, err := w.registry.Decode(payload)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				w.logger.Warn("close builder", zap.Error(err))
			}
		}()
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("connect builder: %w", err)
		}

		hbCtx, stop := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		utils.SafeGo(func() {
			defer wg.Done()
			w.heartbeatLoop(hbCtx)
		}, func(err *utils.PanicError) {
			w.logger.Error("heartbeat loop panicked", zap.Error(err), zap.ByteString("stack", err.Stack))
		})
		defer func() {
			stop()
			wg.Wait()
		}()

		stats, err := engine.New(engine.Options{
			Workers: w.cfg.NumWorkers,
			Logger:  w.logger,
			OnBatch: func(engine.Stats) { w.ping(ctx) },
		}).Run(ctx, b)
		if err != nil {
			return err
		}
		w.logger.Info("chunk done",
			zap.Int("processed", stats.Processed),
			zap.Int("failed", stats.Failed),
			zap.Duration("duration", stats.Duration))
		return nil
	})
}

// heartbeatLoop 执行期间定期向 Manager 发送心跳。
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ping(ctx)
		}
	}
}

// ping 发送一次心跳；每写完一批也会调用，短分块同样计入心跳。
func (w *Worker) ping(ctx context.Context) {
	if err := w.client.Send(ctx, transport.Ping(w.client.Identity())); err != nil && ctx.Err() == nil {
		w.logger.Warn("send heartbeat", zap.Error(err))
	}
}
