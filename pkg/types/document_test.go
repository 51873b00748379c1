package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyString(t *testing.T) {
	assert.Equal(t, "42", KeyString(42))
	assert.Equal(t, "42", KeyString(float64(42)))
	assert.Equal(t, "4.5", KeyString(4.5))
	assert.Equal(t, "mp-1", KeyString("mp-1"))
	assert.Equal(t, "", KeyString(nil))
}

func TestCompare(t *testing.T) {
	now := time.Now().UTC()
	later := now.Add(time.Second)

	c, ok := Compare(1, 2.0)
	assert.True(t, ok)
	assert.Equal(t, -1, c)

	c, ok = Compare(later, now.Format(time.RFC3339Nano))
	assert.True(t, ok)
	assert.Equal(t, 1, c)

	c, ok = Compare("b", "a")
	assert.True(t, ok)
	assert.Equal(t, 1, c)

	_, ok = Compare("a", 1)
	assert.False(t, ok)

	assert.True(t, Equal(float64(7), 7))
	assert.False(t, Equal("7", 7))
}

func TestToTime(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	got, ok := ToTime(ts.Format(time.RFC3339))
	assert.True(t, ok)
	assert.True(t, ts.Equal(got))

	got, ok = ToTime(float64(ts.Unix()))
	assert.True(t, ok)
	assert.True(t, ts.Equal(got))

	_, ok = ToTime("yesterday")
	assert.False(t, ok)
}

func TestQueryMerge(t *testing.T) {
	base := Query{"task_id": map[string]any{OpIn: []any{"a", "b"}}, "kind": "x"}
	overlay := KeyOverlay("task_id", []any{"a"})
	merged := base.Merge(overlay)

	keys, ok := OverlayKeys(merged, "task_id")
	assert.True(t, ok)
	assert.Equal(t, []any{"a"}, keys)
	assert.Equal(t, "x", merged["kind"])

	// base untouched
	keys, _ = OverlayKeys(base, "task_id")
	assert.Len(t, keys, 2)
}

func TestQueryAnd(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	t3 := t2.Add(24 * time.Hour)

	base := Query{"last_updated": map[string]any{OpLt: t3}, "kind": "x"}
	got := base.And(Query{"last_updated": map[string]any{OpGt: t1}})
	assert.Equal(t, map[string]any{OpLt: t3, OpGt: t1}, got["last_updated"])
	assert.Equal(t, "x", got["kind"])
	assert.Equal(t, map[string]any{OpLt: t3}, base["last_updated"])

	// tighter lower bound wins either way round
	got = Query{"n": map[string]any{OpGt: 5}}.And(Query{"n": map[string]any{OpGt: 2}})
	assert.Equal(t, map[string]any{OpGt: 5}, got["n"])
	got = Query{"n": map[string]any{OpLte: 5}}.And(Query{"n": map[string]any{OpLte: 9}})
	assert.Equal(t, map[string]any{OpLte: 5}, got["n"])

	// literal becomes eq
	got = Query{"kind": "x"}.And(Query{"kind": map[string]any{OpNe: "y"}})
	assert.Equal(t, map[string]any{OpEq: "x", OpNe: "y"}, got["kind"])

	got = Query{}.And(Query{"kind": "x"})
	assert.Equal(t, "x", got["kind"])
}
