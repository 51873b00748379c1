package builder

import (
	"context"
	"fmt"
	"sync"

	"yqhp/build-engine/pkg/types"
)

// TransformFunc maps one source item to the fields of its target document.
type TransformFunc func(ctx context.Context, item types.Document) (types.Document, error)

// TransformCopy is the identity transform.
const TransformCopy = "copy"

// Transforms is a named set of transform functions.
type Transforms struct {
	funcs map[string]TransformFunc
	mu    sync.RWMutex
}

// NewTransforms creates a set holding the built-in copy transform.
func NewTransforms() *Transforms {
	t := &Transforms{funcs: make(map[string]TransformFunc)}
	t.Register(TransformCopy, func(_ context.Context, item types.Document) (types.Document, error) {
		return item.Clone(), nil
	})
	return t
}

// Register registers fn under name.
func (t *Transforms) Register(name string, fn TransformFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[name] = fn
}

// Get returns the named transform.
func (t *Transforms) Get(name string) (TransformFunc, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransform, name)
	}
	return fn, nil
}
