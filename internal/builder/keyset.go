package builder

import (
	"sort"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/build-engine/pkg/types"
)

// keySet is an ordered set of primitive keys compared by their normalized
// string form, so that 42 and 42.0 are the same key.
type keySet struct {
	names  []string
	values map[string]any
}

func newKeySet(keys []any) *keySet {
	ks := &keySet{values: make(map[string]any, len(keys))}
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		name := types.KeyString(k)
		if _, ok := ks.values[name]; !ok {
			ks.values[name] = k
		}
		names = append(names, name)
	}
	ks.names = slice.Unique(names)
	return ks
}

func (ks *keySet) fromNames(names []string) *keySet {
	out := &keySet{names: names, values: make(map[string]any, len(names))}
	for _, n := range names {
		out.values[n] = ks.values[n]
	}
	return out
}

func (ks *keySet) union(other *keySet) *keySet {
	out := ks.fromNames(slice.Union(ks.names, other.names))
	for n, v := range other.values {
		if _, ok := out.values[n]; !ok || out.values[n] == nil {
			out.values[n] = v
		}
	}
	return out
}

func (ks *keySet) minus(other *keySet) *keySet {
	return ks.fromNames(slice.Difference(ks.names, other.names))
}

func (ks *keySet) intersect(other *keySet) *keySet {
	return ks.fromNames(slice.Intersection(ks.names, other.names))
}

// sorted returns the original key values ordered by their normalized form.
func (ks *keySet) sorted() []any {
	names := append([]string(nil), ks.names...)
	sort.Strings(names)
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = ks.values[n]
	}
	return out
}

func (ks *keySet) len() int { return len(ks.names) }
