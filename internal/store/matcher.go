package store

import (
	"fmt"

	"yqhp/build-engine/pkg/types"
)

// Match reports whether doc satisfies every condition of q.
func Match(doc types.Document, q types.Query) (bool, error) {
	for field, cond := range q {
		v, present := doc[field]
		ops, isOps := cond.(map[string]any)
		if !isOps {
			if !present || !types.Equal(v, cond) {
				return false, nil
			}
			continue
		}
		for op, arg := range ops {
			ok, err := matchOp(v, present, op, arg)
			if err != nil {
				return false, fmt.Errorf("field %s: %w", field, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func matchOp(v any, present bool, op string, arg any) (bool, error) {
	switch op {
	case types.OpIn, types.OpNin:
		list, ok := asList(arg)
		if !ok {
			return false, fmt.Errorf("operator %s expects a list", op)
		}
		found := present && contains(list, v)
		if op == types.OpIn {
			return found, nil
		}
		return !found, nil
	case types.OpEq:
		return present && types.Equal(v, arg), nil
	case types.OpNe:
		return !present || !types.Equal(v, arg), nil
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		if !present {
			return false, nil
		}
		c, ok := types.Compare(v, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case types.OpGt:
			return c > 0, nil
		case types.OpGte:
			return c >= 0, nil
		case types.OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func asList(arg any) ([]any, bool) {
	switch x := arg.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	}
	return nil, false
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if types.Equal(item, v) {
			return true
		}
	}
	return false
}

// filter returns the docs matching q.
func filter(docs []types.Document, q types.Query) ([]types.Document, error) {
	if len(q) == 0 {
		return docs, nil
	}
	out := make([]types.Document, 0, len(docs))
	for _, d := range docs {
		ok, err := Match(d, q)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}
