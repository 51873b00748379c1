package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/internal/worker"
	"yqhp/build-engine/pkg/types"
)

type cluster struct {
	stores     *store.Factory
	transforms *builder.Transforms
	registry   *builder.Registry
	source     *store.MemoryStore
	target     *store.MemoryStore
	server     *transport.MemoryServer
}

func newCluster(t *testing.T, keys int) *cluster {
	t.Helper()
	c := &cluster{
		stores:     store.NewFactory(),
		transforms: builder.NewTransforms(),
		registry:   builder.NewRegistry(),
		server:     transport.NewMemoryServer(),
	}
	c.transforms.Register("square", func(_ context.Context, item types.Document) (types.Document, error) {
		v, _ := item["value"].(int)
		return types.Document{"squared": v * v}, nil
	})
	builder.RegisterDefaults(c.registry, c.stores, c.transforms, nil)

	ctx := context.Background()
	c.source = c.stores.Memory("src", "", "")
	c.target = c.stores.Memory("tgt", "", "")
	require.NoError(t, c.source.Connect(ctx))
	require.NoError(t, c.target.Connect(ctx))

	lu := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	docs := make([]types.Document, 0, keys)
	for i := 0; i < keys; i++ {
		docs = append(docs, types.Document{"task_id": fmt.Sprintf("k-%02d", i), "last_updated": lu, "value": i})
	}
	require.NoError(t, c.source.Update(ctx, docs))
	return c
}

func (c *cluster) builder(t *testing.T) builder.Builder {
	t.Helper()
	return c.builderWith(t, "square")
}

func (c *cluster) builderWith(t *testing.T, transform string) builder.Builder {
	t.Helper()
	b, err := c.registry.Build(&builder.Config{
		Type:          builder.TypeMap,
		Source:        store.Spec{Backend: store.BackendMemory, Name: "src"},
		Target:        store.Spec{Backend: store.BackendMemory, Name: "tgt"},
		ChunkSize:     5,
		Transform:     transform,
		DeleteOrphans: true,
	})
	require.NoError(t, err)
	return b
}

func (c *cluster) client(t *testing.T, identity string) *transport.MemoryClient {
	t.Helper()
	cl, err := c.server.Connect(identity)
	require.NoError(t, err)
	return cl
}

func testConfig() Config {
	return Config{NumChunks: 3, WorkerTimeout: 10 * time.Second, PollInterval: 5 * time.Millisecond}
}

func TestManager_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c := newCluster(t, 23)
	require.NoError(t, c.target.Update(ctx, []types.Document{{"task_id": "orphan-1", "last_updated": time.Now()}}))

	m := New(testConfig(), c.builder(t), c.server, nil)

	workers := make([]*worker.Worker, 3)
	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = worker.New(worker.Config{
			Hostname:          fmt.Sprintf("host-%d", i),
			HeartbeatInterval: time.Hour,
			ReceiveTimeout:    10 * time.Second,
		}, c.client(t, fmt.Sprintf("worker-%d", i)), c.registry, nil)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = workers[i].Run(ctx)
		}(i)
	}
	// all three READY frames are queued ahead of any completion
	require.Eventually(t, func() bool {
		for _, w := range workers {
			if w.State() == worker.StateConnecting {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	wg.Wait()

	assert.Equal(t, StateDone, m.State())
	chunks := m.Chunks()
	require.Len(t, chunks, 3)
	seen := map[string]bool{}
	var sizes []int
	for _, ch := range chunks {
		assert.True(t, ch.Distributed)
		assert.True(t, ch.Completed)
		keys, ok := types.OverlayKeys(ch.Overlay, "task_id")
		require.True(t, ok)
		sizes = append(sizes, len(keys))
		for _, k := range keys {
			ks := types.KeyString(k)
			assert.False(t, seen[ks], "key %s in two chunks", ks)
			seen[ks] = true
		}
	}
	assert.Equal(t, []int{8, 8, 7}, sizes)
	assert.Len(t, seen, 23)

	executed := 0
	for i, w := range workers {
		assert.NoError(t, errs[i])
		assert.Equal(t, worker.StateExited, w.State())
		executed += w.Executed()
	}
	assert.Equal(t, 3, executed)

	// every key written, the orphan removed after the writes
	assert.Equal(t, 23, c.target.Len())
	docs, err := c.target.Query(ctx, types.Query{"task_id": "k-07"}, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 49, docs[0]["squared"])
	assert.Equal(t, string(types.StateSuccessful), docs[0]["state"])
}

func TestManager_SecondRunHasNothingToDo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c := newCluster(t, 10)

	w := worker.New(worker.Config{HeartbeatInterval: time.Hour, ReceiveTimeout: 5 * time.Second},
		c.client(t, "w1"), c.registry, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.NoError(t, New(testConfig(), c.builder(t), c.server, nil).Run(ctx))
	require.NoError(t, <-done)

	m := New(testConfig(), c.builder(t), transport.NewMemoryServer(), nil)
	require.NoError(t, m.Run(ctx))
	assert.Empty(t, m.Chunks())
	assert.Equal(t, StateDone, m.State())
}

type unchunkable struct {
	builder.Builder
}

func (unchunkable) Connect(context.Context) error { return nil }
func (unchunkable) Close() error                  { return nil }
func (unchunkable) Prechunk(context.Context, int) ([]types.QueryOverlay, error) {
	return nil, fmt.Errorf("%w: custom builder", builder.ErrPrechunkUnsupported)
}

func TestManager_PrechunkUnsupported(t *testing.T) {
	server := transport.NewMemoryServer()
	m := New(testConfig(), unchunkable{}, server, nil)

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, builder.ErrPrechunkUnsupported)
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, ReasonPrechunkUnsupported, fatal.Reason)
	assert.Equal(t, StateAborted, m.State())
	assert.Empty(t, m.Chunks())
}

// expect reads one message from a scripted client.
func expect(t *testing.T, c transport.Client, kind transport.Kind) transport.Message {
	t.Helper()
	msg, err := c.Receive(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, kind, msg.Kind)
	return msg
}

func runAsync(m *Manager) <-chan error {
	done := make(chan error, 1)
	go func() { done <- m.Run(context.Background()) }()
	return done
}

func TestManager_WorkerErrorAbortsRun(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 12)
	a, b := c.client(t, "a"), c.client(t, "b")
	m := New(Config{NumChunks: 4, WorkerTimeout: 10 * time.Second, PollInterval: 5 * time.Millisecond},
		c.builder(t), c.server, nil)
	done := runAsync(m)

	require.NoError(t, a.Send(ctx, transport.Ready("ha")))
	expect(t, a, transport.KindWork)
	require.NoError(t, b.Send(ctx, transport.Ready("hb")))
	expect(t, b, transport.KindWork)

	require.NoError(t, a.Send(ctx, transport.Error("disk full")))

	err := <-done
	var fatal *FatalError
	require.True(t, errors.As(err, &fatal))
	assert.Equal(t, ReasonReportedError, fatal.Reason)
	assert.Equal(t, "a", fatal.Identity)
	assert.Equal(t, "disk full", fatal.Message)
	assert.ErrorIs(t, err, ErrWorkerError)
	assert.Equal(t, StateAborted, m.State())

	expect(t, a, transport.KindExit)
	expect(t, b, transport.KindExit)
	// no orphan cleanup or writes happened on the manager side
	assert.Equal(t, 0, c.target.Len())
}

func TestManager_LoneWorkerTimeout(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 6)
	a := c.client(t, "a")
	m := New(Config{NumChunks: 2, WorkerTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond},
		c.builder(t), c.server, nil)
	done := runAsync(m)

	require.NoError(t, a.Send(ctx, transport.Ready("ha")))
	expect(t, a, transport.KindWork)

	err := <-done
	assert.ErrorIs(t, err, ErrWorkerTimeout)
	expect(t, a, transport.KindExit)
}

func TestManager_LateWorkerIsReleased(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 4)
	a, b := c.client(t, "a"), c.client(t, "b")
	m := New(Config{NumChunks: 1, WorkerTimeout: 10 * time.Second, PollInterval: 5 * time.Millisecond},
		c.builder(t), c.server, nil)
	done := runAsync(m)

	require.NoError(t, a.Send(ctx, transport.Ready("ha")))
	work := expect(t, a, transport.KindWork)
	cfg, err := builder.DecodeConfig(work.Payload)
	require.NoError(t, err)
	assert.False(t, cfg.DeleteOrphans)
	keys, ok := types.OverlayKeys(cfg.Query, "task_id")
	require.True(t, ok)
	assert.Len(t, keys, 4)

	require.NoError(t, b.Send(ctx, transport.Ready("hb")))
	expect(t, b, transport.KindExit)

	require.NoError(t, a.Send(ctx, transport.Ping("a")))
	require.NoError(t, a.Send(ctx, transport.Ready("ha")))
	expect(t, a, transport.KindExit)

	require.NoError(t, <-done)
	assert.Equal(t, StateDone, m.State())
}

func TestManager_Bookkeeping(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 6)
	m := New(Config{NumChunks: 2}, c.builder(t), c.server, nil)
	clock := now
	m.now = func() time.Time { return clock }
	require.NoError(t, m.plan(ctx))
	require.Len(t, m.Chunks(), 2)

	a, b := c.client(t, "a"), c.client(t, "b")
	require.NoError(t, m.handle(ctx, transport.Message{Identity: "a", Kind: transport.KindReady, Body: "ha"}))
	require.NoError(t, m.handle(ctx, transport.Message{Identity: "b", Kind: transport.KindReady, Body: "hb"}))
	require.NoError(t, m.assign(ctx))
	expect(t, a, transport.KindWork)
	expect(t, b, transport.KindWork)

	clock = clock.Add(time.Second)
	for i := 0; i < 30; i++ {
		require.NoError(t, m.handle(ctx, transport.Message{Identity: "a", Kind: transport.KindPing, Body: "a"}))
	}
	ws := m.Workers()
	require.Len(t, ws, 2)
	assert.Equal(t, 31, ws[0].Heartbeats)
	assert.Equal(t, clock, ws[0].LastPing)
	assert.True(t, ws[0].Working)
	assert.Equal(t, 1, ws[1].Heartbeats)
	assert.Equal(t, now, ws[1].LastPing)

	// b has less than a tenth of a's heartbeats
	fatal := Detect(ws, clock, time.Minute)
	require.NotNil(t, fatal)
	assert.Equal(t, ReasonRatio, fatal.Reason)
	assert.Equal(t, "b", fatal.Identity)

	// ping from a stranger is ignored
	require.NoError(t, m.handle(ctx, transport.Message{Identity: "ghost", Kind: transport.KindPing}))
	assert.Len(t, m.Workers(), 2)

	// a finishes while every chunk is already out, so it is released
	require.NoError(t, m.handle(ctx, transport.Message{Identity: "a", Kind: transport.KindReady, Body: "ha"}))
	chunks := m.Chunks()
	assert.True(t, chunks[0].Completed)
	assert.True(t, chunks[1].Distributed)
	assert.False(t, chunks[1].Completed)
	expect(t, a, transport.KindExit)
	ws = m.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, "b", ws[0].Identity)
}

func TestManager_CompletionCountsAsHeartbeat(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 6)
	m := New(Config{NumChunks: 3}, c.builder(t), c.server, nil)
	require.NoError(t, m.plan(ctx))

	a := c.client(t, "a")
	require.NoError(t, m.handle(ctx, transport.Message{Identity: "a", Kind: transport.KindReady, Body: "ha"}))
	for done := 0; done < 2; done++ {
		require.NoError(t, m.assign(ctx))
		expect(t, a, transport.KindWork)
		require.NoError(t, m.handle(ctx, transport.Message{Identity: "a", Kind: transport.KindReady, Body: "ha"}))
	}

	ws := m.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, 3, ws[0].Heartbeats)
	assert.False(t, ws[0].Working)
}

func TestManager_ShortChunksBesideLongChunk(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const keys = 41
	c := newCluster(t, keys)
	c.transforms.Register("nap", func(_ context.Context, item types.Document) (types.Document, error) {
		if item["task_id"] == "k-00" {
			time.Sleep(1200 * time.Millisecond)
		} else {
			time.Sleep(20 * time.Millisecond)
		}
		return types.Document{"value": item["value"]}, nil
	})
	m := New(Config{NumChunks: keys, WorkerTimeout: 10 * time.Second, PollInterval: 5 * time.Millisecond},
		c.builderWith(t, "nap"), c.server, nil)

	workers := make([]*worker.Worker, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range workers {
		workers[i] = worker.New(worker.Config{
			Hostname:          fmt.Sprintf("host-%d", i),
			HeartbeatInterval: 40 * time.Millisecond,
			ReceiveTimeout:    10 * time.Second,
		}, c.client(t, fmt.Sprintf("worker-%d", i)), c.registry, nil)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = workers[i].Run(ctx)
		}(i)
	}
	require.Eventually(t, func() bool {
		for _, w := range workers {
			if w.State() == worker.StateConnecting {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, m.Run(ctx))
	wg.Wait()

	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, keys, c.target.Len())
	executed := 0
	for i, w := range workers {
		assert.NoError(t, errs[i])
		executed += w.Executed()
	}
	assert.Equal(t, keys, executed)
}
