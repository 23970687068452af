// internal/store/tree.go
package store

import (
	"sort"
	"strings"
)

// getPath returns the value stored at segs under root, or nil.
func getPath(root map[string]any, segs []string) any {
	var cur any = root
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return cur
}

// setPath writes v at segs under root. A nil v deletes the entry and prunes
// parents left empty. Writing through a leaf replaces the leaf with a map.
func setPath(root map[string]any, segs []string, v any) {
	if len(segs) == 0 {
		return
	}
	parent := root
	parents := make([]map[string]any, 0, len(segs))
	for _, seg := range segs[:len(segs)-1] {
		parents = append(parents, parent)
		child, ok := parent[seg].(map[string]any)
		if !ok {
			if v == nil {
				return
			}
			child = make(map[string]any)
			parent[seg] = child
		}
		parent = child
	}
	last := segs[len(segs)-1]
	if v != nil {
		parent[last] = v
		return
	}
	delete(parent, last)
	for i := len(parents) - 1; i >= 0; i-- {
		if len(parent) > 0 {
			return
		}
		delete(parents[i], segs[i])
		parent = parents[i]
	}
}

// flatten writes every leaf of v into out keyed by its full path.
func flatten(path string, v any, out map[string]any) error {
	m, ok := v.(map[string]any)
	if !ok {
		if v != nil {
			out[path] = v
		}
		return nil
	}
	for k, child := range m {
		if err := ValidateSegment(k); err != nil {
			return err
		}
		p := k
		if path != "" {
			p = path + "/" + k
		}
		if err := flatten(p, child, out); err != nil {
			return err
		}
	}
	return nil
}

// unflatten rebuilds the value at base from leaves keyed by full path.
func unflatten(base string, leaves map[string]any) any {
	base = strings.Trim(base, "/")
	if v, ok := leaves[base]; ok && base != "" {
		return v
	}
	root := make(map[string]any)
	for p, v := range leaves {
		rel := p
		if base != "" {
			if !strings.HasPrefix(p, base+"/") {
				continue
			}
			rel = strings.TrimPrefix(p, base+"/")
		}
		setPath(root, Split(rel), v)
	}
	if len(root) == 0 {
		return nil
	}
	return root
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns the child keys of a map value in ascending order. Push
// keys sort chronologically.
func SortedKeys(v any) []string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// orderedPaths returns the keys of updates with ancestors before descendants,
// so a write to a parent never erases a child written in the same call.
func orderedPaths(updates map[string]any) []string {
	paths := make([]string, 0, len(updates))
	for p := range updates {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := len(Split(paths[i])), len(Split(paths[j]))
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
	return paths
}
