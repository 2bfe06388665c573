// Package index tracks the most recently promoted version of every artifact
// so rebuild decisions can tell when a consumed artifact has been superseded.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	redis "github.com/redis/go-redis/v9"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
)

// Index records promoted artifacts and answers latest-version queries.
type Index interface {
	Latest(ctx context.Context, key string) (artifact.Artifact, bool, error)
	Record(ctx context.Context, arts ...artifact.Artifact) error
	Forget(ctx context.Context, a artifact.Artifact) error
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu     sync.RWMutex
	latest map[string]artifact.Artifact
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{latest: make(map[string]artifact.Artifact)}
}

func (m *MemoryIndex) Latest(_ context.Context, key string) (artifact.Artifact, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.latest[key]
	return a, ok, nil
}

func (m *MemoryIndex) Record(_ context.Context, arts ...artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range arts {
		m.latest[a.Key()] = a
	}
	return nil
}

// Forget drops a only while it is still the latest version of its key.
func (m *MemoryIndex) Forget(_ context.Context, a artifact.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.latest[a.Key()]; ok && cur.ID == a.ID {
		delete(m.latest, a.Key())
	}
	return nil
}

// RedisIndex keeps the latest versions in a single Redis hash.
type RedisIndex struct {
	client *redis.Client
	key    string
}

// NewRedisIndex connects to url. An empty or invalid url yields an index
// whose operations fail.
func NewRedisIndex(url, key string) *RedisIndex {
	if key == "" {
		key = "orchestrator:artifacts:latest"
	}
	if url == "" {
		return &RedisIndex{key: key}
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return &RedisIndex{key: key}
	}
	return &RedisIndex{client: redis.NewClient(opt), key: key}
}

func (r *RedisIndex) ensure() error {
	if r.client == nil {
		return errors.New("artifact index not configured")
	}
	return nil
}

func (r *RedisIndex) Latest(ctx context.Context, key string) (artifact.Artifact, bool, error) {
	if err := r.ensure(); err != nil {
		return artifact.Artifact{}, false, err
	}
	val, err := r.client.HGet(ctx, r.key, key).Result()
	if errors.Is(err, redis.Nil) {
		return artifact.Artifact{}, false, nil
	}
	if err != nil {
		return artifact.Artifact{}, false, err
	}
	var a artifact.Artifact
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return artifact.Artifact{}, false, fmt.Errorf("decode index entry %s: %w", key, err)
	}
	return a, true, nil
}

func (r *RedisIndex) Record(ctx context.Context, arts ...artifact.Artifact) error {
	if err := r.ensure(); err != nil {
		return err
	}
	if len(arts) == 0 {
		return nil
	}
	values := make([]any, 0, len(arts)*2)
	for _, a := range arts {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		values = append(values, a.Key(), data)
	}
	return r.client.HSet(ctx, r.key, values...).Err()
}

func (r *RedisIndex) Forget(ctx context.Context, a artifact.Artifact) error {
	cur, ok, err := r.Latest(ctx, a.Key())
	if err != nil || !ok || cur.ID != a.ID {
		return err
	}
	return r.client.HDel(ctx, r.key, a.Key()).Err()
}

// Close releases the Redis connection.
func (r *RedisIndex) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
