// Package builder defines the incremental builder contract and the map-style
// builder that transforms source documents into target documents.
package builder

import (
	"context"

	"yqhp/build-engine/pkg/types"
)

// Builder is a unit of incremental work between a source and a target store.
type Builder interface {
	// Connect opens the store connections. It is idempotent.
	Connect(ctx context.Context) error
	// GetItems returns a lazy, finite iterator over the pending items.
	GetItems(ctx context.Context) (Iterator, error)
	// ProcessItem transforms one item. It never fails; failures are
	// reported through the returned document's state.
	ProcessItem(ctx context.Context, item types.Document) types.ProcessedDocument
	// UpdateTargets persists one batch of processed documents.
	UpdateTargets(ctx context.Context, docs []types.ProcessedDocument) error
	// Finalize runs once after every batch has been written.
	Finalize(ctx context.Context) error
	// Prechunk partitions the pending work into n disjoint query overlays.
	Prechunk(ctx context.Context, n int) ([]types.QueryOverlay, error)
	// Close releases the store connections.
	Close() error

	Config() *Config
}

// Totaler is implemented by builders that know how many items GetItems
// yields once iteration has started.
type Totaler interface {
	Total() int
}
