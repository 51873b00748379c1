package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"yqhp/build-engine/pkg/types"
)

type memoryData struct {
	mu   sync.RWMutex
	docs map[string]types.Document
}

// MemoryStore keeps documents in process memory. Handles opened by the same
// Factory under the same name share their data.
type MemoryStore struct {
	spec      Spec
	data      *memoryData
	mu        sync.RWMutex
	connected bool
}

// NewMemoryStore creates a standalone memory store.
func NewMemoryStore(name, key, lastUpdatedField string) *MemoryStore {
	return &MemoryStore{
		spec: Spec{Backend: BackendMemory, Name: name, Key: key, LastUpdatedField: lastUpdatedField},
		data: &memoryData{docs: make(map[string]types.Document)},
	}
}

func (m *MemoryStore) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Name() string             { return m.spec.Name }
func (m *MemoryStore) KeyField() string         { return m.spec.ResolvedKey() }
func (m *MemoryStore) LastUpdatedField() string { return m.spec.ResolvedLastUpdated() }

func (m *MemoryStore) check() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}

// snapshot returns the stored documents ordered by key.
func (m *MemoryStore) snapshot() []types.Document {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	keys := make([]string, 0, len(m.data.docs))
	for k := range m.data.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Document, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.data.docs[k])
	}
	return out
}

func (m *MemoryStore) Query(ctx context.Context, q types.Query, fields []string) ([]types.Document, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	matched, err := filter(m.snapshot(), q)
	if err != nil {
		return nil, err
	}
	out := make([]types.Document, len(matched))
	for i, d := range matched {
		out[i] = project(d, fields)
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context, q types.Query) (int, error) {
	docs, err := m.Query(ctx, q, []string{})
	return len(docs), err
}

func (m *MemoryStore) Distinct(ctx context.Context, field string, q types.Query) ([]any, error) {
	docs, err := m.Query(ctx, q, []string{field})
	if err != nil {
		return nil, err
	}
	return distinct(docs, field), nil
}

func (m *MemoryStore) Update(ctx context.Context, docs []types.Document) error {
	if err := m.check(); err != nil {
		return err
	}
	key := m.KeyField()
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, d := range docs {
		m.data.docs[types.KeyString(d[key])] = d.Clone()
	}
	return nil
}

func (m *MemoryStore) RemoveDocs(ctx context.Context, q types.Query) error {
	docs, err := m.Query(ctx, q, []string{m.KeyField()})
	if err != nil {
		return err
	}
	key := m.KeyField()
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, d := range docs {
		delete(m.data.docs, types.KeyString(d[key]))
	}
	return nil
}

func (m *MemoryStore) LastUpdated(ctx context.Context) (time.Time, error) {
	if err := m.check(); err != nil {
		return time.Time{}, err
	}
	return maxWatermark(m.snapshot(), m.LastUpdatedField()), nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	return len(m.data.docs)
}
