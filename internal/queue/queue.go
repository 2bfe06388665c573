// Package queue carries build requests from submitters to the orchestrator.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/project-ncl/pnc-sub011/internal/graph"
)

// Request asks for one run over a set of configurations. Configurations are
// either inlined or named by id and resolved from the catalog.
type Request struct {
	RunID      string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Configs    []graph.Config `json:"configs,omitempty" yaml:"configs,omitempty"`
	ConfigIDs  []string       `json:"config_ids,omitempty" yaml:"config_ids,omitempty"`
	Policy     string         `json:"rebuild_policy,omitempty" yaml:"rebuild_policy,omitempty"`
	Temporary  bool           `json:"temporary,omitempty" yaml:"temporary,omitempty"`
	Requester  string         `json:"requester,omitempty" yaml:"requester,omitempty"`
	EnqueuedAt int64          `json:"enqueued_at,omitempty" yaml:"enqueued_at,omitempty"`
}

// Empty reports whether the request names no configuration at all.
func (r Request) Empty() bool { return len(r.Configs) == 0 && len(r.ConfigIDs) == 0 }

// ErrEmptyRequest is returned when a request names no configurations.
var ErrEmptyRequest = errors.New("request names no configurations")

// Prepare validates req and fills in the run id and enqueue time when they
// are missing. Backends call it on Enqueue; callers that need the run id
// before enqueueing may call it themselves.
func Prepare(req Request) (Request, error) {
	if req.Empty() {
		return req, ErrEmptyRequest
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.EnqueuedAt == 0 {
		req.EnqueuedAt = time.Now().Unix()
	}
	return req, nil
}

func oldestAge(items []Request, now time.Time) int64 {
	var oldest int64
	for _, it := range items {
		if it.EnqueuedAt > 0 && (oldest == 0 || it.EnqueuedAt < oldest) {
			oldest = it.EnqueuedAt
		}
	}
	if oldest == 0 {
		return 0
	}
	return now.Unix() - oldest
}

// Backend defines operations for the queue.
type Backend interface {
	Enqueue(ctx context.Context, req Request) error
	List(ctx context.Context) ([]Request, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Pop(ctx context.Context, max int) ([]Request, error)
}

// Stats summarizes queue depth and oldest item age.
type Stats struct {
	Length    int   `json:"length"`
	OldestAge int64 `json:"oldest_age_seconds"`
}

// LoadRequestFile reads a single request from a YAML or JSON file.
func LoadRequestFile(path string) (Request, error) {
	var req Request
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &req)
	default:
		err = yaml.Unmarshal(data, &req)
	}
	if err != nil {
		return req, fmt.Errorf("parse request %s: %w", path, err)
	}
	if req.Empty() {
		return req, fmt.Errorf("request %s names no configurations", path)
	}
	return req, nil
}
