// Package engine 在单个进程内驱动 Builder：拉取条目、并发转换、分批写回。
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/pkg/logger"
	"yqhp/build-engine/pkg/types"
	"yqhp/build-engine/pkg/utils"
)

// Options 执行引擎选项
type Options struct {
	// Workers 转换协程池大小，默认等于 chunk_size
	Workers int
	Logger  *zap.Logger
	// OnBatch 在每批 UpdateTargets 成功后调用
	OnBatch func(Stats)
}

// LocalExecutionEngine 在本地运行一个 Builder。
// 同时在途的转换数量不超过 chunk_size。
type LocalExecutionEngine struct {
	opts   Options
	logger *zap.Logger
}

// New 创建执行引擎。
func New(opts Options) *LocalExecutionEngine {
	return &LocalExecutionEngine{
		opts:   opts,
		logger: logger.OrNop(opts.Logger).Named("engine"),
	}
}

// Run 运行 Builder 直至条目耗尽，然后调用一次 Finalize。
// 任一 UpdateTargets 或迭代错误都会中止运行，此时不会调用 Finalize。
func (e *LocalExecutionEngine) Run(ctx context.Context, b builder.Builder) (Stats, error) {
	cfg := b.Config()
	chunkSize := cfg.ChunkSize
	if chunkSize < 1 {
		chunkSize = builder.DefaultChunkSize
	}

	it, err := b.GetItems(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("get items: %w", err)
	}

	items := builder.NewPeekable(it)
	total := -1
	if c, ok := it.(builder.Counter); ok {
		total = c.Count()
	} else {
		// 预读首个条目，使 Builder 有机会报告总数
		if _, err := items.HasNext(ctx); err != nil {
			return Stats{}, fmt.Errorf("peek items: %w", err)
		}
		if t, ok := b.(builder.Totaler); ok {
			total = t.Total()
		}
	}

	rec := newStatsRecorder(total)
	e.logger.Info("starting build",
		zap.String("type", cfg.Type),
		zap.Int("total", total),
		zap.Int("chunk_size", chunkSize))

	workers := e.opts.Workers
	if workers < 1 {
		workers = chunkSize
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r any) {
		e.logger.Error("transform task panicked", zap.Any("panic", r))
	}))
	if err != nil {
		return Stats{}, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	sem := semaphore.NewWeighted(int64(chunkSize))
	results := make(chan types.ProcessedDocument, chunkSize)
	g, gctx := errgroup.WithContext(ctx)

	// 生产者：获取信号量后提交转换任务，转换完成即释放
	g.Go(func() error {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(results)
		}()

		for {
			item, err := items.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("next item: %w", err)
			}
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}

			wg.Add(1)
			task := func() {
				defer wg.Done()
				doc := e.process(gctx, b, item)
				sem.Release(1)
				select {
				case results <- doc:
				case <-gctx.Done():
				}
			}
			if err := pool.Submit(task); err != nil {
				wg.Done()
				sem.Release(1)
				return fmt.Errorf("submit transform: %w", err)
			}
		}
	})

	// 消费者：无序收集结果，每满 chunk_size 条写回一次
	g.Go(func() error {
		batch := make([]types.ProcessedDocument, 0, chunkSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if err := b.UpdateTargets(gctx, batch); err != nil {
				return fmt.Errorf("update targets: %w", err)
			}
			rec.batch()
			s := rec.snapshot()
			e.logger.Debug("batch written",
				zap.Int("size", len(batch)),
				zap.Int("processed", s.Processed),
				zap.Int("total", s.Total))
			if e.opts.OnBatch != nil {
				e.opts.OnBatch(s)
			}
			batch = make([]types.ProcessedDocument, 0, chunkSize)
			return nil
		}

		for doc := range results {
			rec.record(doc)
			batch = append(batch, doc)
			if len(batch) >= chunkSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		return flush()
	})

	if err := g.Wait(); err != nil {
		return rec.snapshot(), err
	}

	if err := b.Finalize(ctx); err != nil {
		return rec.snapshot(), fmt.Errorf("finalize: %w", err)
	}

	stats := rec.snapshot()
	e.logger.Info("build finished",
		zap.Int("processed", stats.Processed),
		zap.Int("failed", stats.Failed),
		zap.Int("batches", stats.Batches),
		zap.Duration("duration", stats.Duration),
		zap.Duration("p95", stats.P95))
	return stats, nil
}

// process 调用 ProcessItem，并把调用本身的 panic 转换为失败记录。
func (e *LocalExecutionEngine) process(ctx context.Context, b builder.Builder, item types.Document) types.ProcessedDocument {
	var doc types.ProcessedDocument
	err := utils.Recover(func() error {
		doc = b.ProcessItem(ctx, item)
		return nil
	})
	if err == nil {
		return doc
	}

	cfg := b.Config()
	lu, _ := types.ToTime(item[cfg.Source.ResolvedLastUpdated()])
	e.logger.Warn("process item panicked", zap.Error(err))
	return types.ProcessedDocument{
		Key:         item[cfg.Source.ResolvedKey()],
		LastUpdated: lu,
		State:       types.StateFailed,
		Error:       err.Error(),
	}
}
