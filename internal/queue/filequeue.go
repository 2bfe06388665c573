package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileQueue keeps requests as a JSON array in a single file. It is meant for
// a single orchestrator process; the mutex does not guard against other
// writers.
type FileQueue struct {
	path string
	mu   sync.Mutex
}

// NewFileQueue creates a queue at the given file path.
func NewFileQueue(path string) *FileQueue {
	return &FileQueue{path: path}
}

// update loads the queue, lets fn edit it and writes it back when fn reports
// a change.
func (f *FileQueue) update(ctx context.Context, fn func([]Request) ([]Request, bool)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items, err := f.load()
	if err != nil {
		return err
	}
	next, changed := fn(items)
	if !changed {
		return nil
	}
	return f.save(next)
}

func (f *FileQueue) load() ([]Request, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []Request
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode queue %s: %w", f.path, err)
	}
	return items, nil
}

// save writes through a temp file so a crash never leaves half a queue.
func (f *FileQueue) save(items []Request) error {
	if items == nil {
		items = []Request{}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileQueue) Enqueue(ctx context.Context, req Request) error {
	req, err := Prepare(req)
	if err != nil {
		return err
	}
	return f.update(ctx, func(items []Request) ([]Request, bool) {
		return append(items, req), true
	})
}

func (f *FileQueue) List(ctx context.Context) ([]Request, error) {
	var out []Request
	err := f.update(ctx, func(items []Request) ([]Request, bool) {
		out = items
		return items, false
	})
	return out, err
}

func (f *FileQueue) Clear(ctx context.Context) error {
	return f.update(ctx, func([]Request) ([]Request, bool) { return nil, true })
}

func (f *FileQueue) Stats(ctx context.Context) (Stats, error) {
	items, err := f.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Length: len(items), OldestAge: oldestAge(items, time.Now())}, nil
}

// Pop removes and returns up to max requests in arrival order; max <= 0
// takes everything.
func (f *FileQueue) Pop(ctx context.Context, max int) ([]Request, error) {
	var out []Request
	err := f.update(ctx, func(items []Request) ([]Request, bool) {
		if len(items) == 0 {
			return items, false
		}
		if max <= 0 || max > len(items) {
			max = len(items)
		}
		out = append([]Request(nil), items[:max]...)
		return items[max:], true
	})
	return out, err
}
