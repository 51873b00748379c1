package types

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Document is a schemaless record as held by a store.
type Document map[string]any

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Query filters documents. A field maps either to a literal (equality) or to
// an operator map such as {"in": [...]} or {"gt": t}.
type Query map[string]any

// Query operators.
const (
	OpIn  = "in"
	OpNin = "nin"
	OpEq  = "eq"
	OpNe  = "ne"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

// Clone returns a shallow copy of the query.
func (q Query) Clone() Query {
	out := make(Query, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Merge returns q with every field of overlay applied on top of it.
func (q Query) Merge(overlay Query) Query {
	out := q.Clone()
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// And returns q restricted further by extra. A field constrained on both
// sides keeps every operator; a literal counts as eq. When both sides use the
// same bound operator the tighter bound wins, otherwise extra wins.
func (q Query) And(extra Query) Query {
	out := q.Clone()
	for field, cond := range extra {
		prev, ok := out[field]
		if !ok {
			out[field] = cond
			continue
		}
		merged := operators(prev)
		for op, arg := range operators(cond) {
			if cur, ok := merged[op]; ok {
				merged[op] = tighter(op, cur, arg)
				continue
			}
			merged[op] = arg
		}
		out[field] = merged
	}
	return out
}

// operators copies cond as an operator map.
func operators(cond any) map[string]any {
	ops, ok := cond.(map[string]any)
	if !ok {
		return map[string]any{OpEq: cond}
	}
	out := make(map[string]any, len(ops))
	for op, arg := range ops {
		out[op] = arg
	}
	return out
}

func tighter(op string, cur, next any) any {
	c, ok := Compare(cur, next)
	if !ok {
		return next
	}
	switch op {
	case OpGt, OpGte:
		if c > 0 {
			return cur
		}
	case OpLt, OpLte:
		if c < 0 {
			return cur
		}
	}
	return next
}

// KeyString normalizes a primitive key so that values which went through a
// JSON round trip (int -> float64) still compare equal.
func KeyString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return KeyString(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

// ToTime converts a watermark value to time.Time. Strings are parsed as
// RFC3339; numbers are unix seconds.
func ToTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case float64:
		sec, frac := math.Modf(x)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	case int64:
		return time.Unix(x, 0).UTC(), true
	case int:
		return time.Unix(int64(x), 0).UTC(), true
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint32:
		return float64(x), true
	}
	return 0, false
}

// Compare orders two primitive values. ok is false when the values are not
// comparable (different kinds).
func Compare(a, b any) (c int, ok bool) {
	if fa, okA := toFloat(a); okA {
		if fb, okB := toFloat(b); okB {
			return cmp3(fa < fb, fa > fb), true
		}
	}
	if ta, okA := a.(time.Time); okA {
		if tb, okB := ToTime(b); okB {
			return cmp3(ta.Before(tb), ta.After(tb)), true
		}
	}
	if tb, okB := b.(time.Time); okB {
		if ta, okA := ToTime(a); okA {
			return cmp3(ta.Before(tb), ta.After(tb)), true
		}
	}
	if sa, okA := a.(string); okA {
		if sb, okB := b.(string); okB {
			return cmp3(sa < sb, sa > sb), true
		}
	}
	if ba, okA := a.(bool); okA {
		if bb, okB := b.(bool); okB {
			return cmp3(!ba && bb, ba && !bb), true
		}
	}
	if a == nil && b == nil {
		return 0, true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// Equal reports whether two primitive values compare equal.
func Equal(a, b any) bool {
	c, ok := Compare(a, b)
	return ok && c == 0
}
