// Package cas talks to an OCI registry (Zot-compatible) used as the
// content-addressable store for promoted build artifacts.
package cas

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Store is the presence check used by promotion to skip uploads.
type Store interface {
	Has(ctx context.Context, digest string) (bool, error)
}

// NullStore always reports a miss.
type NullStore struct{}

func (NullStore) Has(_ context.Context, _ string) (bool, error) { return false, nil }

// MemoryStore is a thread-safe in-memory store useful for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]struct{})}
}

func (m *MemoryStore) Has(_ context.Context, digest string) (bool, error) {
	m.mu.RLock()
	_, ok := m.items[digest]
	m.mu.RUnlock()
	return ok, nil
}

// Add inserts a digest.
func (m *MemoryStore) Add(digest string) {
	m.mu.Lock()
	m.items[digest] = struct{}{}
	m.mu.Unlock()
}

// Registry is a client for one repository of an OCI registry.
type Registry struct {
	BaseURL  string
	Repo     string
	Username string
	Password string
	Client   *http.Client
}

// Enabled reports whether a registry URL is configured.
func (r Registry) Enabled() bool { return r.BaseURL != "" }

func (r Registry) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (r Registry) repo() string {
	repo := strings.Trim(r.Repo, "/")
	if repo == "" {
		repo = "artifacts"
	}
	return repo
}

func (r Registry) url(kind, ref string) string {
	return fmt.Sprintf("%s/v2/%s/%s/%s", strings.TrimRight(r.BaseURL, "/"), r.repo(), kind, ref)
}

// BlobURL is the registry URL of a blob.
func (r Registry) BlobURL(digest string) string { return r.url("blobs", digest) }

func (r Registry) do(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if r.Username != "" || r.Password != "" {
		req.SetBasicAuth(r.Username, r.Password)
	}
	return r.client().Do(req)
}
