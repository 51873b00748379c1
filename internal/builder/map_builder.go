package builder

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/pkg/logger"
	"yqhp/build-engine/pkg/types"
	"yqhp/build-engine/pkg/utils"
)

// Builder type tags.
const (
	TypeMap  = "map"
	TypeCopy = "copy"
)

// Bookkeeping fields written to target documents.
const (
	FieldBuildTime   = "_bt"
	FieldProcessTime = "_process_time"
	FieldError       = "error"
	fieldInternalID  = "_id"
)

// MapBuilder builds one target document per source document through a
// named transform.
type MapBuilder struct {
	cfg       *Config
	source    store.Store
	target    store.Store
	transform TransformFunc
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	connected bool
	total     atomic.Int64
}

// NewMapBuilder creates a map builder.
func NewMapBuilder(cfg *Config, source, target store.Store, transform TransformFunc, log *zap.Logger) (*MapBuilder, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transform == nil {
		return nil, fmt.Errorf("%w: transform is nil", ErrInvalidConfig)
	}
	return &MapBuilder{
		cfg:       cfg,
		source:    source,
		target:    target,
		transform: transform,
		logger:    logger.OrNop(log).With(zap.String("source", source.Name()), zap.String("target", target.Name())),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// MapFactory returns a registry factory that opens stores through stores and
// resolves transforms by name.
func MapFactory(stores *store.Factory, transforms *Transforms, log *zap.Logger) Factory {
	return func(cfg *Config) (Builder, error) {
		name := cfg.Transform
		if name == "" || cfg.Type == TypeCopy {
			name = TransformCopy
		}
		fn, err := transforms.Get(name)
		if err != nil {
			return nil, err
		}
		source, err := stores.Open(cfg.Source)
		if err != nil {
			return nil, fmt.Errorf("open source: %w", err)
		}
		target, err := stores.Open(cfg.Target)
		if err != nil {
			return nil, fmt.Errorf("open target: %w", err)
		}
		return NewMapBuilder(cfg, source, target, fn, log)
	}
}

// RegisterDefaults registers the built-in builder types.
func RegisterDefaults(r *Registry, stores *store.Factory, transforms *Transforms, log *zap.Logger) {
	factory := MapFactory(stores, transforms, log)
	r.Register(TypeMap, factory)
	r.Register(TypeCopy, factory)
}

func (b *MapBuilder) Config() *Config { return b.cfg }

// Total returns the number of pending items once GetItems has started.
func (b *MapBuilder) Total() int { return int(b.total.Load()) }

func (b *MapBuilder) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	if err := b.source.Connect(ctx); err != nil {
		return fmt.Errorf("connect source %s: %w", b.source.Name(), err)
	}
	if err := b.target.Connect(ctx); err != nil {
		return fmt.Errorf("connect target %s: %w", b.target.Name(), err)
	}
	b.connected = true
	return nil
}

func (b *MapBuilder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.connected = false
	err := b.source.Close()
	if terr := b.target.Close(); err == nil {
		err = terr
	}
	return err
}

func (b *MapBuilder) checkConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return ErrNotConnected
	}
	return nil
}

func (b *MapBuilder) diffOptions() DiffOptions {
	return DiffOptions{
		Query:       b.cfg.Query,
		Policy:      b.cfg.DiffPolicy,
		Incremental: b.cfg.IsIncremental(),
		RetryFailed: b.cfg.RetryFailed,
	}
}

// GetItems computes the pending keys on first use and then pages through
// the source chunk_size keys at a time.
func (b *MapBuilder) GetItems(ctx context.Context) (Iterator, error) {
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	return &keyPageIterator{b: b}, nil
}

type keyPageIterator struct {
	b       *MapBuilder
	keys    []any
	started bool
	page    []types.Document
	offset  int
}

func (it *keyPageIterator) Next(ctx context.Context) (types.Document, error) {
	b := it.b
	if !it.started {
		keys, err := PendingKeys(ctx, b.source, b.target, b.diffOptions())
		if err != nil {
			return nil, err
		}
		it.keys = keys
		it.started = true
		b.total.Store(int64(len(keys)))
		b.logger.Info("pending items computed", zap.Int("count", len(keys)))
	}

	for len(it.page) == 0 {
		if it.offset >= len(it.keys) {
			return nil, io.EOF
		}
		end := min(it.offset+b.cfg.ChunkSize, len(it.keys))
		batch := it.keys[it.offset:end]
		it.offset = end

		q := b.cfg.Query.Merge(types.KeyOverlay(b.source.KeyField(), batch))
		docs, err := b.source.Query(ctx, q, nil)
		if err != nil {
			return nil, fmt.Errorf("query source page: %w", err)
		}
		it.page = docs
	}

	item := it.page[0]
	it.page = it.page[1:]
	return item, nil
}

// ProcessItem runs the transform under the configured timeout. Errors,
// panics and timeouts become a failed document.
func (b *MapBuilder) ProcessItem(ctx context.Context, item types.Document) types.ProcessedDocument {
	start := time.Now()
	key := item[b.source.KeyField()]
	lu, _ := types.ToTime(item[b.source.LastUpdatedField()])

	out, err := b.runTransform(ctx, item)
	pd := types.ProcessedDocument{
		Key:         key,
		LastUpdated: lu,
		State:       types.StateSuccessful,
		ProcessTime: time.Since(start),
		Fields:      out,
	}
	if err != nil {
		pd.State = types.StateFailed
		pd.Error = err.Error()
		pd.Fields = nil
		b.logger.Debug("item failed", zap.Any("key", key), zap.Error(err))
	}
	return pd
}

func (b *MapBuilder) runTransform(ctx context.Context, item types.Document) (types.Document, error) {
	timeout := b.cfg.TimeoutDuration()
	if timeout <= 0 {
		var out types.Document
		err := utils.Recover(func() error {
			var err error
			out, err = b.transform(ctx, item)
			return err
		})
		return out, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		doc types.Document
		err error
	}
	done := make(chan result, 1)
	go func() {
		var out types.Document
		err := utils.Recover(func() error {
			var err error
			out, err = b.transform(ctx, item)
			return err
		})
		done <- result{doc: out, err: err}
	}()

	select {
	case r := <-done:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("transform timed out after %s: %w", timeout, ctx.Err())
	}
}

// UpdateTargets writes one batch to the target.
func (b *MapBuilder) UpdateTargets(ctx context.Context, docs []types.ProcessedDocument) error {
	if len(docs) == 0 {
		return nil
	}
	keyField := b.target.KeyField()
	luField := b.target.LastUpdatedField()
	now := b.now()

	out := make([]types.Document, 0, len(docs))
	for _, pd := range docs {
		doc := types.Document{}
		if pd.Fields != nil {
			doc = pd.Fields.Clone()
		}
		delete(doc, fieldInternalID)
		doc[keyField] = pd.Key
		doc[luField] = pd.LastUpdated
		doc[store.StateField] = string(pd.State)
		doc[FieldBuildTime] = now
		if pd.Failed() {
			doc[FieldError] = pd.Error
		}
		if b.cfg.StoreProcessTime {
			doc[FieldProcessTime] = pd.ProcessTime.Seconds()
		}
		out = append(out, doc)
	}

	if err := b.target.Update(ctx, out); err != nil {
		return fmt.Errorf("update target %s: %w", b.target.Name(), err)
	}
	return nil
}

// Finalize removes orphaned target documents when delete_orphans is set.
func (b *MapBuilder) Finalize(ctx context.Context) error {
	if !b.cfg.DeleteOrphans {
		return nil
	}
	if err := b.checkConnected(); err != nil {
		return err
	}
	orphans, err := OrphanKeys(ctx, b.source, b.target)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}
	b.logger.Info("removing orphaned documents", zap.Int("count", len(orphans)))
	if err := b.target.RemoveDocs(ctx, types.KeyOverlay(b.target.KeyField(), orphans)); err != nil {
		return fmt.Errorf("remove orphans: %w", err)
	}
	return nil
}

// Prechunk partitions the pending keys into at most n key overlays.
func (b *MapBuilder) Prechunk(ctx context.Context, n int) ([]types.QueryOverlay, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: number of splits must be positive, got %d", ErrInvalidConfig, n)
	}
	if err := b.checkConnected(); err != nil {
		return nil, err
	}
	keys, err := PendingKeys(ctx, b.source, b.target, b.diffOptions())
	if err != nil {
		return nil, err
	}
	groups := Partition(keys, n)
	overlays := make([]types.QueryOverlay, 0, len(groups))
	for _, g := range groups {
		overlays = append(overlays, types.KeyOverlay(b.source.KeyField(), g))
	}
	b.logger.Info("prechunked", zap.Int("keys", len(keys)), zap.Int("chunks", len(overlays)))
	return overlays, nil
}
