package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/pkg/types"
)

// execute runs the root command with fresh flag state.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfgFile, overrides, debug, quiet = "", nil, false, false
	runWorkers, runPool = 0, 0
	managerAddress, managerChunks, managerTimeout = "", 0, 0
	workerManager, workerHostname, workerPool = "", "", 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range GetRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "manager", "worker", "version"} {
		assert.True(t, names[want], want)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	_, err := execute(t, "run", "-q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "builder")
}

type pipeline struct {
	dsn    string
	target string
	config string
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()
	p := &pipeline{
		dsn:    filepath.Join(dir, "tasks.db"),
		target: filepath.Join(dir, "materials"),
		config: filepath.Join(dir, "build.yaml"),
	}
	require.NoError(t, os.MkdirAll(p.target, 0o755))

	yaml := fmt.Sprintf(`
logging:
  level: error
manager:
  num_chunks: 3
  poll_interval: 10ms
builder:
  type: copy
  source:
    backend: sql
    name: tasks
    driver: sqlite
    dsn: %q
  target:
    backend: blob
    name: materials
    url: %q
  chunk_size: 5
  delete_orphans: true
`, p.dsn, "file://"+p.target)
	require.NoError(t, os.WriteFile(p.config, []byte(yaml), 0o644))
	return p
}

func (p *pipeline) seed(t *testing.T, from, to int, lu time.Time) {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLStore(store.Spec{Backend: store.BackendSQL, Name: "tasks", Driver: "sqlite", DSN: p.dsn})
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	docs := make([]types.Document, 0, to-from)
	for i := from; i < to; i++ {
		docs = append(docs, types.Document{"task_id": fmt.Sprintf("t-%03d", i), "last_updated": lu, "title": fmt.Sprintf("task %d", i)})
	}
	require.NoError(t, s.Update(ctx, docs))
}

func (p *pipeline) targetCount(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewBlobStore(store.Spec{Backend: store.BackendBlob, Name: "materials", URL: "file://" + p.target})
	require.NoError(t, err)
	require.NoError(t, s.Connect(ctx))
	defer s.Close()
	n, err := s.Count(ctx, nil)
	require.NoError(t, err)
	return n
}

func TestRun_LocalThenDistributed(t *testing.T) {
	p := newPipeline(t)
	lu := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	p.seed(t, 0, 12, lu)

	out, err := execute(t, "run", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "处理 12 条")
	assert.Equal(t, 12, p.targetCount(t))

	// nothing changed, nothing processed
	out, err = execute(t, "run", "--config", p.config)
	require.NoError(t, err)
	assert.Contains(t, out, "处理 0 条")

	p.seed(t, 12, 20, lu.Add(time.Hour))
	out, err = execute(t, "run", "--config", p.config, "--workers", "3", "--set", "worker.heartbeat_interval=1h")
	require.NoError(t, err)
	assert.Contains(t, out, "3 个 Worker")
	assert.Equal(t, 20, p.targetCount(t))
}
