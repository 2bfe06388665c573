package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisQueue keeps requests as JSON entries in a Redis list, oldest first.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue creates a Redis-backed queue. If url is empty or invalid,
// every operation returns an error.
func NewRedisQueue(url, key string) *RedisQueue {
	if key == "" {
		key = "orchestrator:requests"
	}
	q := &RedisQueue{key: key}
	if url == "" {
		return q
	}
	if opt, err := redis.ParseURL(url); err == nil {
		q.client = redis.NewClient(opt)
	}
	return q
}

func (r *RedisQueue) ensure() error {
	if r.client == nil {
		return errors.New("redis queue not configured")
	}
	return nil
}

// decode drops entries that are not valid requests; they could never run.
func decode(vals []string) []Request {
	items := make([]Request, 0, len(vals))
	for _, v := range vals {
		var req Request
		if err := json.Unmarshal([]byte(v), &req); err == nil && !req.Empty() {
			items = append(items, req)
		}
	}
	return items
}

func (r *RedisQueue) Enqueue(ctx context.Context, req Request) error {
	if err := r.ensure(); err != nil {
		return err
	}
	req, err := Prepare(req)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.key, data).Err()
}

func (r *RedisQueue) List(ctx context.Context) ([]Request, error) {
	if err := r.ensure(); err != nil {
		return nil, err
	}
	vals, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return decode(vals), nil
}

func (r *RedisQueue) Clear(ctx context.Context) error {
	if err := r.ensure(); err != nil {
		return err
	}
	return r.client.Del(ctx, r.key).Err()
}

// Stats reads the length and the head entry; the head is the oldest request.
func (r *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	if err := r.ensure(); err != nil {
		return Stats{}, err
	}
	length, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Length: int(length)}
	if length == 0 {
		return stats, nil
	}
	head, err := r.client.LRange(ctx, r.key, 0, 0).Result()
	if err != nil {
		return stats, err
	}
	stats.OldestAge = oldestAge(decode(head), time.Now())
	return stats, nil
}

// Pop removes up to max requests from the head of the list.
func (r *RedisQueue) Pop(ctx context.Context, max int) ([]Request, error) {
	if err := r.ensure(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	vals, err := r.client.LPopCount(ctx, r.key, max).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(vals), nil
}
