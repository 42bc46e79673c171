package syncer

import (
	"encoding/json"
	"sort"
)

func at(node any, parts ...string) any {
	for _, part := range parts {
		m, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = m[part]
	}
	return node
}

// toMap renders v as a JSON object, preferring its own state rendering.
func toMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case stateValuer:
		return t.StateValue(), true
	case map[string]any:
		return t, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func nonNilList(v any) any {
	if list, ok := v.([]string); ok && list == nil {
		return []string{}
	}
	if v == nil {
		return []any{}
	}
	return v
}

// difference returns the members of a missing from b, keeping a's order.
func difference(a, b []string) []string {
	skip := make(map[string]struct{}, len(b))
	for _, s := range b {
		skip[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := skip[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
