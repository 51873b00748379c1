package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/pkg/types"
)

// fakeBuilder records how the engine drives it.
type fakeBuilder struct {
	cfg       *builder.Config
	items     []types.Document
	counted   bool
	failKeys  map[any]bool
	panicKeys map[any]bool
	delay     time.Duration
	updateErr error

	inflight    atomic.Int64
	maxInflight atomic.Int64

	mu        sync.Mutex
	batches   [][]types.ProcessedDocument
	finalized int
	totalSeen bool
}

func newFakeBuilder(n, chunkSize int) *fakeBuilder {
	items := make([]types.Document, n)
	for i := range items {
		items[i] = types.Document{"task_id": i, "last_updated": time.Unix(int64(i), 0).UTC()}
	}
	return &fakeBuilder{
		cfg: &builder.Config{
			Type:      "fake",
			Source:    store.Spec{Name: "src"},
			Target:    store.Spec{Name: "tgt"},
			ChunkSize: chunkSize,
		},
		items:     items,
		failKeys:  map[any]bool{},
		panicKeys: map[any]bool{},
	}
}

func (f *fakeBuilder) Connect(context.Context) error { return nil }
func (f *fakeBuilder) Close() error                  { return nil }
func (f *fakeBuilder) Config() *builder.Config       { return f.cfg }

func (f *fakeBuilder) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.totalSeen {
		return -1
	}
	return len(f.items)
}

func (f *fakeBuilder) GetItems(context.Context) (builder.Iterator, error) {
	if f.counted {
		return builder.NewSliceIterator(f.items), nil
	}
	return &sliceNoCount{inner: builder.NewSliceIterator(f.items), b: f}, nil
}

// sliceNoCount hides the length of the underlying slice.
type sliceNoCount struct {
	inner *builder.SliceIterator
	b     *fakeBuilder
}

func (s *sliceNoCount) Next(ctx context.Context) (types.Document, error) {
	s.b.mu.Lock()
	s.b.totalSeen = true
	s.b.mu.Unlock()
	return s.inner.Next(ctx)
}

func (f *fakeBuilder) ProcessItem(ctx context.Context, item types.Document) types.ProcessedDocument {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	key := item["task_id"]
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panicKeys[key] {
		panic(fmt.Sprintf("cannot process %v", key))
	}
	if f.failKeys[key] {
		return types.ProcessedDocument{Key: key, State: types.StateFailed, Error: "bad item"}
	}
	return types.ProcessedDocument{Key: key, State: types.StateSuccessful}
}

func (f *fakeBuilder) UpdateTargets(_ context.Context, docs []types.ProcessedDocument) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]types.ProcessedDocument(nil), docs...))
	return nil
}

func (f *fakeBuilder) Finalize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized++
	return nil
}

func (f *fakeBuilder) Prechunk(context.Context, int) ([]types.QueryOverlay, error) {
	return nil, builder.ErrPrechunkUnsupported
}

func (f *fakeBuilder) written() []types.ProcessedDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []types.ProcessedDocument
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

func TestRun_BackpressureBound(t *testing.T) {
	b := newFakeBuilder(100, 5)
	b.counted = true
	b.delay = 2 * time.Millisecond

	// a pool larger than chunk_size must not lift the bound
	stats, err := New(Options{Workers: 32}).Run(context.Background(), b)
	require.NoError(t, err)

	assert.LessOrEqual(t, b.maxInflight.Load(), int64(5))
	assert.Equal(t, 100, stats.Processed)
	assert.Equal(t, 100, stats.Total)
	assert.Len(t, b.written(), 100)
	assert.Len(t, b.batches, 20)
	for _, batch := range b.batches {
		assert.Len(t, batch, 5)
	}
	assert.Equal(t, 1, b.finalized)
	assert.Greater(t, stats.P95, time.Duration(0))
}

func TestRun_ErrorIsolation(t *testing.T) {
	b := newFakeBuilder(10, 3)
	b.failKeys[5] = true

	var hooks atomic.Int64
	stats, err := New(Options{OnBatch: func(Stats) { hooks.Add(1) }}).Run(context.Background(), b)
	require.NoError(t, err)

	docs := b.written()
	require.Len(t, docs, 10)
	failed := 0
	for _, d := range docs {
		if d.Failed() {
			failed++
			assert.Equal(t, 5, d.Key)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, stats.Failed)

	sizes := make([]int, 0, len(b.batches))
	for _, batch := range b.batches {
		sizes = append(sizes, len(batch))
	}
	assert.Equal(t, []int{3, 3, 3, 1}, sizes)
	assert.Equal(t, int64(4), hooks.Load())
	assert.Equal(t, 1, b.finalized)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	b := newFakeBuilder(4, 2)
	b.panicKeys[2] = true

	stats, err := New(Options{}).Run(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Processed)
	assert.Equal(t, 1, stats.Failed)

	for _, d := range b.written() {
		if d.Key == 2 {
			assert.True(t, d.Failed())
			assert.Contains(t, d.Error, "cannot process 2")
		}
	}
}

func TestRun_UpdateErrorAborts(t *testing.T) {
	b := newFakeBuilder(10, 2)
	b.updateErr = errors.New("target unreachable")

	_, err := New(Options{}).Run(context.Background(), b)
	require.Error(t, err)
	assert.ErrorIs(t, err, b.updateErr)
	assert.Zero(t, b.finalized)
}

func TestRun_Empty(t *testing.T) {
	b := newFakeBuilder(0, 4)

	stats, err := New(Options{}).Run(context.Background(), b)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
	assert.Empty(t, b.batches)
	assert.Equal(t, 1, b.finalized)
	assert.Equal(t, 0, stats.Total)
}

func TestRun_TotalFromPeek(t *testing.T) {
	b := newFakeBuilder(7, 3)

	stats, err := New(Options{}).Run(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 7, stats.Total)
	assert.Equal(t, 7, stats.Processed)
}

func TestRun_Cancelled(t *testing.T) {
	b := newFakeBuilder(50, 2)
	b.delay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := New(Options{}).Run(ctx, b)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.finalized)
}

func TestRun_MapBuilderEndToEnd(t *testing.T) {
	ctx := context.Background()
	stores := store.NewFactory()
	transforms := builder.NewTransforms()
	registry := builder.NewRegistry()
	builder.RegisterDefaults(registry, stores, transforms, nil)

	src := stores.Memory("src", "", "")
	require.NoError(t, src.Connect(ctx))
	docs := make([]types.Document, 0, 25)
	for i := 0; i < 25; i++ {
		docs = append(docs, types.Document{"task_id": fmt.Sprintf("k-%02d", i), "last_updated": time.Unix(1000, 0).UTC()})
	}
	require.NoError(t, src.Update(ctx, docs))

	b, err := registry.Build(&builder.Config{
		Type:      builder.TypeCopy,
		Source:    store.Spec{Name: "src"},
		Target:    store.Spec{Name: "tgt"},
		ChunkSize: 4,
	})
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	defer b.Close()

	stats, err := New(Options{}).Run(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 25, stats.Total)
	assert.Equal(t, 25, stats.Processed)
	assert.Equal(t, 7, stats.Batches)
	assert.Equal(t, 25, stores.Memory("tgt", "", "").Len())

	// second run has nothing to do
	stats, err = New(Options{}).Run(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
}
