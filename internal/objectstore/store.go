// Package objectstore keeps build logs in S3-compatible object storage.
package objectstore

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/project-ncl/pnc-sub011/internal/record"
)

// Store is an object storage backend.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Remove(ctx context.Context, key string) error
	URL(key string) string
}

// NullStore discards uploads.
type NullStore struct{}

func (NullStore) Put(_ context.Context, _ string, _ []byte, _ string) error { return nil }
func (NullStore) Remove(_ context.Context, _ string) error                  { return nil }
func (NullStore) URL(_ string) string                                       { return "" }

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) URL(key string) string { return "mem://" + key }

// Get returns a stored object.
func (m *MemoryStore) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// LogKey is the object key of a node's build log within a run.
func LogKey(runID, nodeID string) string {
	return path.Join("logs", runID, nodeID+".log")
}

// Logs uploads build logs.
type Logs struct {
	Store Store
}

func (l Logs) UploadLog(ctx context.Context, runID, nodeID, content string) (string, error) {
	key := LogKey(runID, nodeID)
	if err := l.Store.Put(ctx, key, []byte(content), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("upload log %s: %w", key, err)
	}
	return l.Store.URL(key), nil
}

// RemoveTraces deletes the uploaded build log of a record.
func (l Logs) RemoveTraces(ctx context.Context, rec record.Record) error {
	if rec.Phases.Build == nil || rec.Phases.Build.LogURL == "" {
		return nil
	}
	return l.Store.Remove(ctx, LogKey(rec.RunID, rec.NodeID))
}
