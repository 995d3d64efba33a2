package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ds-assistant-bot/internal/domain"
)

// RedisEnrichQueue реализует очередь задач обогащения на базе Redis lists.
type RedisEnrichQueue struct {
	client *redis.Client
	key    string
}

// NewRedisEnrichQueue создаёт очередь по указанному ключу.
func NewRedisEnrichQueue(client *redis.Client, key string) *RedisEnrichQueue {
	return &RedisEnrichQueue{client: client, key: key}
}

var _ domain.EnrichQueue = (*RedisEnrichQueue)(nil)

// Enqueue публикует задачу в очередь.
func (q *RedisEnrichQueue) Enqueue(ctx context.Context, job domain.EnrichJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди.
func (q *RedisEnrichQueue) Pop(ctx context.Context) (domain.EnrichJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.EnrichJob{}, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.EnrichJob{}, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.EnrichJob{}, err
		}
		if len(res) != 2 {
			return domain.EnrichJob{}, errors.New("redis queue: unexpected response")
		}
		var job domain.EnrichJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.EnrichJob{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	}
}
