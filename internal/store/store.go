// internal/store/store.go
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrClosed is returned by every operation on a client that has been closed.
	ErrClosed = errors.New("store: client closed")
	// ErrInvalidPath is returned when a path segment is empty or contains a reserved character.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrNotNumeric is returned by Increment when the target holds a non-numeric value.
	ErrNotNumeric = errors.New("store: value is not numeric")
)

// Store is one client's view of the shared hierarchical key/value tree.
//
// Values are JSON-compatible: map[string]any, []any, string, int64, float64,
// bool. Writing nil deletes the path. No operation spans more than one call
// atomically; coordination between clients is the caller's protocol.
type Store interface {
	// Subscribe delivers the value at path immediately and then every time it
	// changes. Deliveries for one client happen in order on a single goroutine.
	Subscribe(path string, fn func(value any)) (cancel func())
	// Update applies every path => value merge together.
	Update(ctx context.Context, updates map[string]any) error
	// Push appends value under a new, chronologically ordered child key of path.
	Push(ctx context.Context, path string, value any) (string, error)
	// Once reads the current value at path.
	Once(ctx context.Context, path string) (any, error)
	// OnDisconnectSet registers a write the store applies when this client goes away.
	OnDisconnectSet(ctx context.Context, path string, value any) error
	// CancelOnDisconnect drops registered writes at path or below it.
	CancelOnDisconnect(ctx context.Context, path string) error
	// Close tears the client down and applies its on-disconnect writes.
	Close() error
}

// Incrementer is implemented by stores that can add to a numeric leaf atomically.
type Incrementer interface {
	Increment(ctx context.Context, path string, delta int64) (int64, error)
}

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

// ServerTimestamp is replaced by the store clock (Unix millis) when a write is applied.
var ServerTimestamp any = serverTimestamp{}

const reservedChars = "/.#$[]*?\\"

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the segments of path. The root path "" has no segments.
func Split(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ValidateSegment reports whether s may be used as a single path segment.
func ValidateSegment(s string) error {
	if s == "" || strings.ContainsAny(s, reservedChars) {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, s)
	}
	return nil
}

func validatePath(path string) error {
	for _, seg := range Split(path) {
		if err := ValidateSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

// within reports whether p is path or one of its descendants.
func within(p, path string) bool {
	p, path = strings.Trim(p, "/"), strings.Trim(path, "/")
	return path == "" || p == path || strings.HasPrefix(p, path+"/")
}

// related reports whether a change at one path can affect the value at the other.
func related(a, b string) bool {
	a, b = strings.Trim(a, "/"), strings.Trim(b, "/")
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

// normalize converts v into the canonical value shapes both backends return,
// resolving ServerTimestamp placeholders against now.
func normalize(v any, now time.Time) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal value: %w", err)
	}
	return decodeJSON(raw, now)
}

func decodeJSON(raw []byte, now time.Time) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("store: decode value: %w", err)
	}
	return canonical(out, now), nil
}

func canonical(v any, now time.Time) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		if len(t) == 1 && t[".sv"] == "timestamp" {
			return now.UnixMilli()
		}
		if len(t) == 0 {
			return nil
		}
		for k, child := range t {
			c := canonical(child, now)
			if c == nil {
				delete(t, k)
				continue
			}
			t[k] = c
		}
		if len(t) == 0 {
			return nil
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = canonical(child, now)
		}
		return t
	default:
		return v
	}
}

// AsInt64 reads a numeric value written through a Store.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// Decode converts a raw store value into out (a pointer), via its JSON tags.
func Decode(v any, out any) error {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: marshal for decode: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode into %T: %w", out, err)
	}
	return nil
}
