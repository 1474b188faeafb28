package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisQueueKey = "offline0:analytics-queue"

type redisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue keeps the queue in a redis list at key.
func NewRedisQueue(ctx context.Context, redisURL, key string) (QueueStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if key == "" {
		key = defaultRedisQueueKey
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &redisQueue{client: client, key: key}, nil
}

func (q *redisQueue) Append(ctx context.Context, event json.RawMessage) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	if err := q.client.RPush(ctx, q.key, []byte(event)).Err(); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (q *redisQueue) ReadAll(ctx context.Context) ([]json.RawMessage, error) {
	vals, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out, nil
}

func (q *redisQueue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, q.key).Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (q *redisQueue) Trim(ctx context.Context, n int) error {
	if n < 0 {
		return q.Clear(ctx)
	}
	if n == 0 {
		return nil
	}
	if err := q.client.LTrim(ctx, q.key, int64(n), -1).Err(); err != nil {
		return fmt.Errorf("trim queue: %w", err)
	}
	return nil
}

func (q *redisQueue) Close() error {
	return q.client.Close()
}
