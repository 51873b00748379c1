package builder

import (
	"fmt"
	"sort"
	"sync"

	"yqhp/build-engine/pkg/utils"
)

// Factory constructs a builder from its config.
type Factory func(cfg *Config) (Builder, error)

// Registry maps builder type tags to factories. It is populated at process
// start and read by workers to rebuild builders from payloads.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory under tag, replacing any previous one.
func (r *Registry) Register(tag string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
}

// Build constructs the builder described by cfg.
func (r *Registry) Build(cfg *Config) (Builder, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
	return factory(cfg)
}

// Decode rebuilds a builder from a JSON payload.
func (r *Registry) Decode(payload []byte) (Builder, error) {
	tag, err := utils.GetString(payload, "@type")
	if err != nil {
		return nil, fmt.Errorf("%w: payload has no @type", ErrUnknownType)
	}
	r.mu.RLock()
	_, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, tag)
	}

	cfg, err := DecodeConfig(payload)
	if err != nil {
		return nil, err
	}
	return r.Build(cfg)
}

// List returns the registered tags in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
