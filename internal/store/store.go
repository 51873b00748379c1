// Package store provides the document stores builders read from and write to.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"yqhp/build-engine/pkg/types"
)

var (
	// ErrNotConnected is returned by operations on a store that has not been connected.
	ErrNotConnected = errors.New("store not connected")
	// ErrUnknownBackend is returned by Factory.Open for an unrecognized backend.
	ErrUnknownBackend = errors.New("unknown store backend")
)

// Backend names.
const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendBlob   = "blob"
)

const (
	DefaultKeyField         = "task_id"
	DefaultLastUpdatedField = "last_updated"
	// StateField holds the outcome written by builders.
	StateField = "state"
)

// Store is a keyed document collection with a last-updated watermark field.
type Store interface {
	Connect(ctx context.Context) error
	Close() error

	Name() string
	KeyField() string
	LastUpdatedField() string

	// Query returns the documents matching q. A nil fields slice returns every field.
	Query(ctx context.Context, q types.Query, fields []string) ([]types.Document, error)
	Count(ctx context.Context, q types.Query) (int, error)
	Distinct(ctx context.Context, field string, q types.Query) ([]any, error)
	// Update upserts docs keyed by KeyField.
	Update(ctx context.Context, docs []types.Document) error
	RemoveDocs(ctx context.Context, q types.Query) error
	// LastUpdated returns the maximum watermark, zero when the store is empty.
	LastUpdated(ctx context.Context) (time.Time, error)
}

// Spec describes how to open a store. It travels inside builder payloads.
type Spec struct {
	Backend          string   `json:"backend" yaml:"backend"`
	Name             string   `json:"name" yaml:"name"`
	Key              string   `json:"key,omitempty" yaml:"key"`
	LastUpdatedField string   `json:"last_updated_field,omitempty" yaml:"last_updated_field"`
	Driver           string   `json:"driver,omitempty" yaml:"driver"`
	DSN              string   `json:"dsn,omitempty" yaml:"dsn"`
	Replicas         []string `json:"replicas,omitempty" yaml:"replicas"`
	Table            string   `json:"table,omitempty" yaml:"table"`
	URL              string   `json:"url,omitempty" yaml:"url"`
	Prefix           string   `json:"prefix,omitempty" yaml:"prefix"`
}

// ResolvedKey returns the key field name.
func (s Spec) ResolvedKey() string {
	if s.Key == "" {
		return DefaultKeyField
	}
	return s.Key
}

// ResolvedLastUpdated returns the watermark field name.
func (s Spec) ResolvedLastUpdated() string {
	if s.LastUpdatedField == "" {
		return DefaultLastUpdatedField
	}
	return s.LastUpdatedField
}

// Factory opens stores from specs. Memory stores with the same name share
// their data within one Factory.
type Factory struct {
	mu     sync.Mutex
	memory map[string]*memoryData
}

// NewFactory creates a store factory.
func NewFactory() *Factory {
	return &Factory{memory: make(map[string]*memoryData)}
}

// Open returns an unconnected store for spec.
func (f *Factory) Open(spec Spec) (Store, error) {
	switch spec.Backend {
	case BackendMemory, "":
		return f.openMemory(spec), nil
	case BackendSQL:
		return NewSQLStore(spec)
	case BackendBlob:
		return NewBlobStore(spec)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, spec.Backend)
}

func (f *Factory) openMemory(spec Spec) Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.memory[spec.Name]
	if !ok {
		data = &memoryData{docs: make(map[string]types.Document)}
		f.memory[spec.Name] = data
	}
	return &MemoryStore{spec: spec, data: data}
}

// Memory returns the named memory store, creating it when absent.
func (f *Factory) Memory(name, key, lastUpdatedField string) *MemoryStore {
	return f.openMemory(Spec{Backend: BackendMemory, Name: name, Key: key, LastUpdatedField: lastUpdatedField}).(*MemoryStore)
}

// project keeps only fields when fields is non-nil.
func project(doc types.Document, fields []string) types.Document {
	if fields == nil {
		return doc.Clone()
	}
	out := make(types.Document, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// distinct collects unique values of field across docs, keeping first-seen order.
func distinct(docs []types.Document, field string) []any {
	seen := make(map[string]struct{}, len(docs))
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		v, ok := d[field]
		if !ok {
			continue
		}
		k := types.KeyString(v)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}

// maxWatermark returns the largest parseable watermark of field across docs.
func maxWatermark(docs []types.Document, field string) time.Time {
	var latest time.Time
	for _, d := range docs {
		if t, ok := types.ToTime(d[field]); ok && t.After(latest) {
			latest = t
		}
	}
	return latest
}
