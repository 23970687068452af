// internal/store/memory.go
package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend is an in-process shared tree. Every protocol client gets its
// own MemoryClient from Connect; all of them observe the same data.
type MemoryBackend struct {
	mu   sync.Mutex
	root map[string]any
	subs map[*memorySub]struct{}
	now  func() time.Time
}

type memorySub struct {
	client    *MemoryClient
	path      string
	fn        func(any)
	last      any
	cancelled atomic.Bool
}

// NewMemoryBackend returns an empty shared tree.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		root: make(map[string]any),
		subs: make(map[*memorySub]struct{}),
		now:  time.Now,
	}
}

// Connect returns a new client of the backend.
func (b *MemoryBackend) Connect(clientID string) *MemoryClient {
	return &MemoryClient{
		backend:      b,
		id:           clientID,
		disp:         newDispatcher(),
		onDisconnect: make(map[string]any),
	}
}

// apply writes normalised values and notifies every related subscription.
// Caller holds b.mu.
func (b *MemoryBackend) apply(updates map[string]any) {
	changed := orderedPaths(updates)
	for _, path := range changed {
		v := updates[path]
		segs := Split(path)
		if len(segs) == 0 {
			if m, ok := v.(map[string]any); ok {
				b.root = m
			} else {
				b.root = make(map[string]any)
			}
		} else {
			setPath(b.root, segs, v)
		}
	}
	b.notify(changed)
}

// notify queues a delivery for each subscription whose value actually changed.
// Caller holds b.mu.
func (b *MemoryBackend) notify(changed []string) {
	for sub := range b.subs {
		hit := false
		for _, p := range changed {
			if related(sub.path, p) {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		cur := deepCopy(getPath(b.root, Split(sub.path)))
		if reflect.DeepEqual(cur, sub.last) {
			continue
		}
		sub.last = cur
		b.deliver(sub, deepCopy(cur))
	}
}

func (b *MemoryBackend) deliver(sub *memorySub, v any) {
	sub.client.disp.enqueue(func() {
		if sub.cancelled.Load() {
			return
		}
		sub.fn(v)
	})
}

// Snapshot returns a copy of the value at path without going through a client.
func (b *MemoryBackend) Snapshot(path string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return deepCopy(getPath(b.root, Split(path)))
}

// MemoryClient is one protocol client of a MemoryBackend.
type MemoryClient struct {
	backend *MemoryBackend
	id      string
	disp    *dispatcher

	mu           sync.Mutex
	onDisconnect map[string]any
	closed       bool
}

var (
	_ Store       = (*MemoryClient)(nil)
	_ Incrementer = (*MemoryClient)(nil)
)

// ID returns the client identifier given to Connect.
func (c *MemoryClient) ID() string { return c.id }

func (c *MemoryClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MemoryClient) Subscribe(path string, fn func(any)) func() {
	sub := &memorySub{client: c, path: path, fn: fn}
	if c.isClosed() || validatePath(path) != nil {
		return func() {}
	}
	b := c.backend
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	sub.last = deepCopy(getPath(b.root, Split(path)))
	b.deliver(sub, deepCopy(sub.last))
	b.mu.Unlock()

	return func() {
		sub.cancelled.Store(true)
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
}

func (c *MemoryClient) Update(ctx context.Context, updates map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	b := c.backend
	now := b.now()
	norm := make(map[string]any, len(updates))
	for path, v := range updates {
		if err := validatePath(path); err != nil {
			return err
		}
		n, err := normalize(v, now)
		if err != nil {
			return err
		}
		norm[path] = n
	}
	b.mu.Lock()
	b.apply(norm)
	b.mu.Unlock()
	return nil
}

func (c *MemoryClient) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("store: push key: %w", err)
	}
	if err := c.Update(ctx, map[string]any{Join(path, key.String()): value}); err != nil {
		return "", err
	}
	return key.String(), nil
}

func (c *MemoryClient) Once(ctx context.Context, path string) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	return c.backend.Snapshot(path), nil
}

func (c *MemoryClient) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if c.isClosed() {
		return 0, ErrClosed
	}
	if err := validatePath(path); err != nil {
		return 0, err
	}
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	var cur int64
	if v := getPath(b.root, Split(path)); v != nil {
		n, ok := AsInt64(v)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotNumeric, path)
		}
		cur = n
	}
	next := cur + delta
	b.apply(map[string]any{path: next})
	return next, nil
}

func (c *MemoryClient) OnDisconnectSet(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePath(path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.onDisconnect[path] = value
	return nil
}

func (c *MemoryClient) CancelOnDisconnect(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for p := range c.onDisconnect {
		if within(p, path) {
			delete(c.onDisconnect, p)
		}
	}
	return nil
}

// Close applies the registered on-disconnect writes, drops this client's
// subscriptions and stops its dispatcher.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()

	b := c.backend
	now := b.now()
	norm := make(map[string]any, len(pending))
	for path, v := range pending {
		n, err := normalize(v, now)
		if err != nil {
			continue
		}
		norm[path] = n
	}

	b.mu.Lock()
	for sub := range b.subs {
		if sub.client == c {
			sub.cancelled.Store(true)
			delete(b.subs, sub)
		}
	}
	if len(norm) > 0 {
		b.apply(norm)
	}
	b.mu.Unlock()

	c.disp.close()
	return nil
}
