package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Tree is the application state: a JSON value graph of maps, []any,
// strings, float64, bools and nil.
type Tree = map[string]any

// normalize round-trips v through JSON so the result only holds plain JSON
// values. Cyclic or non-serializable input is rejected.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeTree(v any) (Tree, error) {
	out, err := normalize(v)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return Tree{}, nil
	}
	tree, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", out)
	}
	return tree, nil
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = clone(child)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = clone(child)
		}
		return out
	default:
		return t
	}
}

func cloneTree(t Tree) Tree {
	if t == nil {
		return nil
	}
	return clone(t).(map[string]any)
}

func splitPath(path string) []string {
	path = strings.Trim(path, ".")
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// lookup walks parts from node. Numeric parts index into arrays.
func lookup(node any, parts []string) (any, bool) {
	for _, part := range parts {
		switch n := node.(type) {
		case map[string]any:
			child, ok := n[part]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(n) {
				return nil, false
			}
			node = n[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

// setIn returns a copy of node with value placed at parts. Only containers
// along the path are copied; siblings keep their identity. Missing or
// primitive intermediate nodes become objects.
func setIn(node any, parts []string, value any) (any, error) {
	if len(parts) == 0 {
		return value, nil
	}
	head := parts[0]
	switch n := node.(type) {
	case []any:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(n) {
			return nil, fmt.Errorf("index %q out of range for array of length %d", head, len(n))
		}
		child, err := setIn(n[idx], parts[1:], value)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(n))
		copy(out, n)
		out[idx] = child
		return out, nil
	case map[string]any:
		child, err := setIn(n[head], parts[1:], value)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(n)+1)
		for k, v := range n {
			out[k] = v
		}
		out[head] = child
		return out, nil
	default:
		child, err := setIn(nil, parts[1:], value)
		if err != nil {
			return nil, err
		}
		return map[string]any{head: child}, nil
	}
}

// withoutPath returns tree with the value at parts removed, copying only
// the containers along the path.
func withoutPath(tree Tree, parts []string) Tree {
	if len(parts) == 0 {
		return tree
	}
	out, _ := removeIn(tree, parts).(map[string]any)
	return out
}

func removeIn(node any, parts []string) any {
	n, ok := node.(map[string]any)
	if !ok {
		return node
	}
	child, exists := n[parts[0]]
	if !exists {
		return node
	}
	out := make(map[string]any, len(n))
	for k, v := range n {
		out[k] = v
	}
	if len(parts) == 1 {
		delete(out, parts[0])
	} else {
		out[parts[0]] = removeIn(child, parts[1:])
	}
	return out
}

func merge(prev, patch Tree) Tree {
	out := make(Tree, len(prev)+len(patch))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// deepMerge overlays src onto dst recursively. Objects merge, everything
// else is replaced.
func deepMerge(dst, src Tree) Tree {
	out := make(Tree, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcOK := v.(map[string]any)
		dstMap, dstOK := out[k].(map[string]any)
		if srcOK && dstOK {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}

// sameValue compares primitives by value and objects or arrays by identity.
func sameValue(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok {
			return false
		}
		return reflect.ValueOf(av).UnsafePointer() == reflect.ValueOf(bv).UnsafePointer()
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		return reflect.ValueOf(av).UnsafePointer() == reflect.ValueOf(bv).UnsafePointer()
	default:
		switch b.(type) {
		case map[string]any, []any:
			return false
		}
		return a == b
	}
}
