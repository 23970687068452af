// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/farkle/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultQueueName is the Redis list the historian consumes player actions from.
const DefaultQueueName = "farkle_actions"

// ConnectRedis opens a client and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// HistorianQueue ships action records to a Redis list. It satisfies the
// session's ActionLogger.
type HistorianQueue struct {
	rdb   *redis.Client
	queue string
	log   *logrus.Entry
}

// NewHistorianQueue returns a queue writing to name, or DefaultQueueName when name is empty.
func NewHistorianQueue(rdb *redis.Client, name string, logger *logrus.Entry) *HistorianQueue {
	if name == "" {
		name = DefaultQueueName
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &HistorianQueue{rdb: rdb, queue: name, log: logger.WithField("queue", name)}
}

// Name returns the Redis list key.
func (q *HistorianQueue) Name() string { return q.queue }

// LogAction serializes rec and appends it to the queue.
func (q *HistorianQueue) LogAction(ctx context.Context, rec models.ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ActionRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.queue, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. It returns (nil, nil) when the
// queue stayed empty. Records that fail to decode are logged and skipped.
func (q *HistorianQueue) Pop(ctx context.Context, timeout time.Duration) (*models.ActionRecord, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("BLPop %s: %w", q.queue, err)
	}
	// res[0] is the queue name, res[1] the payload
	if len(res) < 2 {
		return nil, nil
	}
	var rec models.ActionRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		q.log.WithError(err).Warn("dropping invalid action record")
		return nil, nil
	}
	return &rec, nil
}

// Len reports how many records are waiting.
func (q *HistorianQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queue).Result()
}
