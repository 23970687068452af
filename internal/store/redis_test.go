// internal/store/redis_test.go
package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis needs a reachable Redis (REDIS_ADDR, default localhost:6379);
// the test is skipped otherwise.
func newTestRedis(t *testing.T) (*redis.Client, string) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	prefix := "farkle-test-" + uuid.NewString()
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := rdb.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			rdb.Del(ctx, keys...)
		}
		rdb.Close()
	})
	return rdb, prefix
}

func TestRedisStoreRoundTrip(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	ctx := context.Background()
	s := NewRedisStore(rdb, prefix, "a", nil)
	defer s.Close()

	require.NoError(t, s.Update(ctx, map[string]any{
		"rooms/r/players/A": map[string]any{"name": "A", "score": 0},
	}))
	v, err := s.Once(ctx, "rooms/r/players/A")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "A", "score": int64(0)}, v)

	// replacing the subtree drops leaves that are no longer present
	require.NoError(t, s.Update(ctx, map[string]any{"rooms/r/players/A": map[string]any{"name": "A"}}))
	v, err = s.Once(ctx, "rooms/r/players/A")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "A"}, v)

	n, err := s.Increment(ctx, "rooms/r/players/A/score", 550)
	require.NoError(t, err)
	assert.Equal(t, int64(550), n)
	score, err := s.Once(ctx, "rooms/r/players/A/score")
	require.NoError(t, err)
	assert.Equal(t, int64(550), score)
}

func TestRedisStoreSubscribeSeesOtherClient(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	ctx := context.Background()
	a := NewRedisStore(rdb, prefix, "a", nil)
	b := NewRedisStore(rdb, prefix, "b", nil)
	defer a.Close()
	defer b.Close()

	var r recorder
	a.Subscribe("rooms/r/hostId", r.fn)
	require.Eventually(t, func() bool { return r.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Update(ctx, map[string]any{"rooms/r/hostId": "B"}))
	require.Eventually(t, func() bool { return r.last() == "B" }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStoreSubscribeIsConfirmedBeforeReturning(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	ctx := context.Background()
	a := NewRedisStore(rdb, prefix, "a", nil)
	b := NewRedisStore(rdb, prefix, "b", nil)
	defer a.Close()
	defer b.Close()

	var r recorder
	a.Subscribe("rooms/r/hostId", r.fn)
	counts, err := rdb.PubSubNumSub(ctx, prefix+":changes").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[prefix+":changes"])

	// a write straight after Subscribe is still observed
	require.NoError(t, b.Update(ctx, map[string]any{"rooms/r/hostId": "B"}))
	require.Eventually(t, func() bool { return r.last() == "B" }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisStoreSweepExpired(t *testing.T) {
	rdb, prefix := newTestRedis(t)
	ctx := context.Background()
	old := LeaseTTL
	LeaseTTL = 200 * time.Millisecond
	defer func() { LeaseTTL = old }()

	crashed := NewRedisStore(rdb, prefix, "crashed", nil)
	require.NoError(t, crashed.Update(ctx, map[string]any{"rooms/r/players/A/isConnected": true}))
	require.NoError(t, crashed.OnDisconnectSet(ctx, "rooms/r/players/A/isConnected", false))
	// simulate a crash: stop the heartbeat without running Close
	crashed.mu.Lock()
	crashed.heartbeat()
	crashed.mu.Unlock()

	janitor := NewRedisStore(rdb, prefix, "janitor", nil)
	defer janitor.Close()
	require.Eventually(t, func() bool {
		n, err := janitor.SweepExpired(ctx)
		return err == nil && n == 1
	}, 3*time.Second, 50*time.Millisecond)

	v, err := janitor.Once(ctx, "rooms/r/players/A/isConnected")
	require.NoError(t, err)
	assert.Equal(t, false, v)
}
