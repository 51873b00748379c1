package builder

import (
	"context"
	"fmt"

	"yqhp/build-engine/internal/store"
	"yqhp/build-engine/pkg/types"
)

// DiffOptions selects how pending keys are computed.
type DiffOptions struct {
	Query       types.Query
	Policy      string
	Incremental bool
	RetryFailed bool
}

// PendingKeys returns the source keys that need (re)building, sorted.
//
// Exhaustive: a key is pending when it is absent from the target or its
// target watermark is older than the source watermark.
// Approximate: a key is pending when its source watermark is newer than the
// target's maximum watermark.
// Non-incremental: every source key matching the query is pending.
func PendingKeys(ctx context.Context, source, target store.Store, opts DiffOptions) ([]any, error) {
	var (
		pending *keySet
		err     error
	)
	switch {
	case !opts.Incremental:
		pending, err = sourceKeys(ctx, source, opts.Query)
	case opts.Policy == DiffApproximate:
		pending, err = approximateDiff(ctx, source, target, opts.Query)
	default:
		pending, err = exhaustiveDiff(ctx, source, target, opts.Query)
	}
	if err != nil {
		return nil, err
	}

	if opts.RetryFailed {
		failed, err := failedKeys(ctx, source, target, opts.Query)
		if err != nil {
			return nil, err
		}
		pending = pending.union(failed)
	}
	return pending.sorted(), nil
}

func sourceKeys(ctx context.Context, source store.Store, q types.Query) (*keySet, error) {
	keys, err := source.Distinct(ctx, source.KeyField(), q)
	if err != nil {
		return nil, fmt.Errorf("list source keys: %w", err)
	}
	return newKeySet(keys), nil
}

func exhaustiveDiff(ctx context.Context, source, target store.Store, q types.Query) (*keySet, error) {
	srcDocs, err := source.Query(ctx, q, []string{source.KeyField(), source.LastUpdatedField()})
	if err != nil {
		return nil, fmt.Errorf("query source watermarks: %w", err)
	}
	// target docs do not carry the source fields q filters on
	tgtDocs, err := target.Query(ctx, nil, []string{target.KeyField(), target.LastUpdatedField()})
	if err != nil {
		return nil, fmt.Errorf("query target watermarks: %w", err)
	}

	tgt := make(map[string]any, len(tgtDocs))
	for _, d := range tgtDocs {
		tgt[types.KeyString(d[target.KeyField()])] = d[target.LastUpdatedField()]
	}

	var pending []any
	for _, d := range srcDocs {
		key := d[source.KeyField()]
		tlu, ok := tgt[types.KeyString(key)]
		if !ok {
			pending = append(pending, key)
			continue
		}
		if c, ok := types.Compare(tlu, d[source.LastUpdatedField()]); !ok || c < 0 {
			pending = append(pending, key)
		}
	}
	return newKeySet(pending), nil
}

func approximateDiff(ctx context.Context, source, target store.Store, q types.Query) (*keySet, error) {
	watermark, err := target.LastUpdated(ctx)
	if err != nil {
		return nil, fmt.Errorf("read target watermark: %w", err)
	}
	if watermark.IsZero() {
		return sourceKeys(ctx, source, q)
	}
	newer := types.Query{source.LastUpdatedField(): map[string]any{types.OpGt: watermark}}
	return sourceKeys(ctx, source, q.And(newer))
}

// failedKeys returns target keys whose last build failed, restricted to
// source keys matching q when a query is set.
func failedKeys(ctx context.Context, source, target store.Store, q types.Query) (*keySet, error) {
	keys, err := target.Distinct(ctx, target.KeyField(), types.Query{store.StateField: string(types.StateFailed)})
	if err != nil {
		return nil, fmt.Errorf("list failed keys: %w", err)
	}
	failed := newKeySet(keys)
	if len(q) == 0 {
		return failed, nil
	}
	scoped, err := sourceKeys(ctx, source, q)
	if err != nil {
		return nil, err
	}
	return failed.intersect(scoped), nil
}

// OrphanKeys returns target keys that no longer exist in the source.
func OrphanKeys(ctx context.Context, source, target store.Store) ([]any, error) {
	src, err := sourceKeys(ctx, source, nil)
	if err != nil {
		return nil, err
	}
	keys, err := target.Distinct(ctx, target.KeyField(), nil)
	if err != nil {
		return nil, fmt.Errorf("list target keys: %w", err)
	}
	return newKeySet(keys).minus(src).sorted(), nil
}
