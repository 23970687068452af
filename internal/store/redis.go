// internal/store/redis.go
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// LeaseTTL is how long a Redis client's on-disconnect writes survive without
// a heartbeat before SweepExpired applies them.
var LeaseTTL = 30 * time.Second

const maxTxRetries = 16

// RedisStore is a Store client backed by Redis. Leaves live as JSON strings in
// one hash keyed by their full path, so numeric leaves can use HINCRBY.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	clientID string
	log      *logrus.Entry
	disp     *dispatcher

	mu        sync.Mutex
	subs      map[*redisSub]struct{}
	pubsub    *redis.PubSub
	heartbeat context.CancelFunc
	closed    bool
}

type redisSub struct {
	path      string
	fn        func(any)
	last      any
	primed    bool
	cancelled bool
}

var (
	_ Store       = (*RedisStore)(nil)
	_ Incrementer = (*RedisStore)(nil)
)

// NewRedisStore returns a client of the tree stored under prefix.
func NewRedisStore(rdb *redis.Client, prefix, clientID string, logger *logrus.Entry) *RedisStore {
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   prefix,
		clientID: clientID,
		log:      logger.WithField("store_client", clientID),
		disp:     newDispatcher(),
		subs:     make(map[*redisSub]struct{}),
	}
}

func (s *RedisStore) treeKey() string    { return s.prefix + ":tree" }
func (s *RedisStore) changesKey() string { return s.prefix + ":changes" }
func (s *RedisStore) disconnectKey(client string) string {
	return s.prefix + ":ondisconnect:" + client
}
func (s *RedisStore) leaseKey(client string) string { return s.prefix + ":lease:" + client }

func (s *RedisStore) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// hashReader is the part of redis.Client and redis.Tx that scanFields needs.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HScan(ctx context.Context, key string, cursor uint64, match string, count int64) *redis.ScanCmd
}

// scanFields returns every leaf field at or below path.
func scanFields(ctx context.Context, c hashReader, key, path string) (map[string]string, error) {
	out := make(map[string]string)
	path = strings.Trim(path, "/")
	if path != "" {
		v, err := c.HGet(ctx, key, path).Result()
		switch {
		case err == nil:
			out[path] = v
			return out, nil
		case !errors.Is(err, redis.Nil):
			return nil, err
		}
	}
	match := "*"
	if path != "" {
		match = escapeGlob(path) + "/*"
	}
	var cursor uint64
	for {
		kv, next, err := c.HScan(ctx, key, cursor, match, 256).Result()
		if err != nil {
			return nil, err
		}
		for i := 0; i+1 < len(kv); i += 2 {
			out[kv[i]] = kv[i+1]
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Once(ctx context.Context, path string) (any, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := validatePath(path); err != nil {
		return nil, err
	}
	return s.read(ctx, path)
}

func (s *RedisStore) read(ctx context.Context, path string) (any, error) {
	fields, err := scanFields(ctx, s.rdb, s.treeKey(), path)
	if err != nil {
		return nil, fmt.Errorf("store: read %q: %w", path, err)
	}
	now := time.Now()
	leaves := make(map[string]any, len(fields))
	for p, raw := range fields {
		v, err := decodeJSON([]byte(raw), now)
		if err != nil {
			return nil, err
		}
		leaves[p] = v
	}
	return unflatten(path, leaves), nil
}

func (s *RedisStore) Update(ctx context.Context, updates map[string]any) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.write(ctx, updates)
}

func (s *RedisStore) write(ctx context.Context, updates map[string]any) error {
	now := time.Now()
	sets := make(map[string]any)
	paths := orderedPaths(updates)
	for _, path := range paths {
		if err := validatePath(path); err != nil {
			return err
		}
		n, err := normalize(updates[path], now)
		if err != nil {
			return err
		}
		if err := flatten(strings.Trim(path, "/"), n, sets); err != nil {
			return err
		}
	}

	key := s.treeKey()
	txf := func(tx *redis.Tx) error {
		var dels []string
		for _, path := range paths {
			existing, err := scanFields(ctx, tx, key, path)
			if err != nil {
				return err
			}
			for f := range existing {
				if _, keep := sets[f]; !keep {
					dels = append(dels, f)
				}
			}
			// A leaf at an ancestor would shadow the new children.
			segs := Split(path)
			for i := 1; i < len(segs); i++ {
				dels = append(dels, Join(segs[:i]...))
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(dels) > 0 {
				pipe.HDel(ctx, key, dels...)
			}
			if len(sets) > 0 {
				args := make([]any, 0, len(sets)*2)
				for f, v := range sets {
					raw, err := json.Marshal(v)
					if err != nil {
						return err
					}
					args = append(args, f, string(raw))
				}
				pipe.HSet(ctx, key, args...)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("store: update: %w", err)
		}
		return s.publish(ctx, paths)
	}
	return fmt.Errorf("store: update: %w after %d attempts", redis.TxFailedErr, maxTxRetries)
}

func (s *RedisStore) publish(ctx context.Context, paths []string) error {
	raw, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.changesKey(), raw).Err(); err != nil {
		return fmt.Errorf("store: publish change: %w", err)
	}
	return nil
}

func (s *RedisStore) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("store: push key: %w", err)
	}
	if err := s.Update(ctx, map[string]any{Join(path, key.String()): value}); err != nil {
		return "", err
	}
	return key.String(), nil
}

// Increment adds delta to a numeric leaf with HINCRBY. JSON integers are
// stored as their decimal text, which is what HINCRBY operates on.
func (s *RedisStore) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	if err := validatePath(path); err != nil {
		return 0, err
	}
	n, err := s.rdb.HIncrBy(ctx, s.treeKey(), strings.Trim(path, "/"), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrNotNumeric, path, err)
	}
	return n, s.publish(ctx, []string{path})
}

func (s *RedisStore) Subscribe(path string, fn func(any)) func() {
	sub := &redisSub{path: path, fn: fn}
	if validatePath(path) != nil {
		return func() {}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.subs[sub] = struct{}{}
	if s.pubsub == nil {
		s.pubsub = s.rdb.Subscribe(context.Background(), s.changesKey())
		// changes published before the server confirms would never reach us
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.pubsub.Receive(ctx); err != nil {
			s.log.WithError(err).Warn("change channel subscription not confirmed")
		}
		cancel()
		go s.listen(s.pubsub)
	}
	s.mu.Unlock()

	s.refresh(sub)
	return func() {
		s.mu.Lock()
		sub.cancelled = true
		delete(s.subs, sub)
		s.mu.Unlock()
	}
}

// refresh queues a re-read of the subscription's path. The comparison with
// the last delivery happens on the dispatcher, so it needs no lock.
func (s *RedisStore) refresh(sub *redisSub) {
	s.disp.enqueue(func() {
		s.mu.Lock()
		cancelled := sub.cancelled
		s.mu.Unlock()
		if cancelled {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		v, err := s.read(ctx, sub.path)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("path", sub.path).Warn("subscription read failed")
			return
		}
		if sub.primed && reflect.DeepEqual(v, sub.last) {
			return
		}
		sub.primed = true
		sub.last = deepCopy(v)
		sub.fn(v)
	})
}

func (s *RedisStore) listen(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var paths []string
		if err := json.Unmarshal([]byte(msg.Payload), &paths); err != nil {
			s.log.WithError(err).Warn("malformed change notification")
			continue
		}
		s.mu.Lock()
		var hits []*redisSub
		for sub := range s.subs {
			for _, p := range paths {
				if related(sub.path, p) {
					hits = append(hits, sub)
					break
				}
			}
		}
		s.mu.Unlock()
		for _, sub := range hits {
			s.refresh(sub)
		}
	}
}

func (s *RedisStore) OnDisconnectSet(ctx context.Context, path string, value any) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := validatePath(path); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal on-disconnect value: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.disconnectKey(s.clientID), path, string(raw)).Err(); err != nil {
		return fmt.Errorf("store: register on-disconnect: %w", err)
	}
	if err := s.rdb.Set(ctx, s.leaseKey(s.clientID), "1", LeaseTTL).Err(); err != nil {
		return fmt.Errorf("store: lease: %w", err)
	}
	s.startHeartbeat()
	return nil
}

func (s *RedisStore) CancelOnDisconnect(ctx context.Context, path string) error {
	if s.isClosed() {
		return ErrClosed
	}
	fields, err := s.rdb.HKeys(ctx, s.disconnectKey(s.clientID)).Result()
	if err != nil {
		return fmt.Errorf("store: list on-disconnect: %w", err)
	}
	var drop []string
	for _, f := range fields {
		if within(f, path) {
			drop = append(drop, f)
		}
	}
	if len(drop) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.disconnectKey(s.clientID), drop...).Err(); err != nil {
		return fmt.Errorf("store: cancel on-disconnect: %w", err)
	}
	return nil
}

func (s *RedisStore) startHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heartbeat != nil || s.closed {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeat = cancel
	go func() {
		ticker := time.NewTicker(LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.rdb.Set(ctx, s.leaseKey(s.clientID), "1", LeaseTTL).Err(); err != nil && ctx.Err() == nil {
					s.log.WithError(err).Warn("lease refresh failed")
				}
			}
		}
	}()
}

// applyDisconnect runs the on-disconnect writes registered by client.
func (s *RedisStore) applyDisconnect(ctx context.Context, client string) error {
	raw, err := s.rdb.HGetAll(ctx, s.disconnectKey(client)).Result()
	if err != nil {
		return fmt.Errorf("store: load on-disconnect writes: %w", err)
	}
	if len(raw) > 0 {
		now := time.Now()
		updates := make(map[string]any, len(raw))
		for p, js := range raw {
			v, err := decodeJSON([]byte(js), now)
			if err != nil {
				return err
			}
			updates[p] = v
		}
		if err := s.write(ctx, updates); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, s.disconnectKey(client), s.leaseKey(client)).Err()
}

// SweepExpired applies the on-disconnect writes of every client whose lease
// lapsed, which is how a crashed replica's players get marked disconnected.
func (s *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	match := escapeGlob(s.prefix) + ":ondisconnect:*"
	swept := 0
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return swept, fmt.Errorf("store: sweep scan: %w", err)
		}
		for _, k := range keys {
			client := strings.TrimPrefix(k, s.prefix+":ondisconnect:")
			alive, err := s.rdb.Exists(ctx, s.leaseKey(client)).Result()
			if err != nil {
				return swept, err
			}
			if alive > 0 {
				continue
			}
			if err := s.applyDisconnect(ctx, client); err != nil {
				return swept, err
			}
			swept++
		}
		if next == 0 {
			return swept, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for sub := range s.subs {
		sub.cancelled = true
	}
	s.subs = nil
	ps := s.pubsub
	hb := s.heartbeat
	s.mu.Unlock()

	if hb != nil {
		hb()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.applyDisconnect(ctx, s.clientID)
	if ps != nil {
		ps.Close()
	}
	s.disp.close()
	return err
}
