package record

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	artifacts map[string]artifact.Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]Record),
		artifacts: make(map[string]artifact.Artifact),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	m.records[rec.ID] = rec
	for _, a := range rec.Produced {
		m.artifacts[a.ID] = a
	}
	for _, a := range rec.Consumed {
		if _, ok := m.artifacts[a.ID]; !ok {
			m.artifacts[a.ID] = a
		}
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *MemoryStore) ByRun(_ context.Context, runID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) FreeRiders(_ context.Context, id string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if rec.NoRebuildCause == id && rec.ID != id {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) ArtifactReferences(_ context.Context, artifactID string, exclude []string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	count := 0
	for _, rec := range m.records {
		if skip[rec.ID] {
			continue
		}
		if references(rec.Produced, artifactID) || references(rec.Consumed, artifactID) {
			count++
		}
	}
	return count, nil
}

// Purge applies p atomically; unknown records abort before any change.
func (m *MemoryStore) Purge(ctx context.Context, p Purge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range append(append([]string(nil), p.Records...), p.ClearCause...) {
		if _, ok := m.records[id]; !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	for _, id := range p.ClearCause {
		rec := m.records[id]
		rec.NoRebuildCause = ""
		m.records[id] = rec
	}
	for _, id := range p.MarkDeleted {
		if a, ok := m.artifacts[id]; ok {
			m.artifacts[id] = a.WithQuality(artifact.QualityDeleted)
		}
		for rid, rec := range m.records {
			rec.Produced = tombstone(rec.Produced, id)
			rec.Consumed = tombstone(rec.Consumed, id)
			m.records[rid] = rec
		}
	}
	for _, id := range p.Records {
		delete(m.records, id)
	}
	for _, id := range p.DeleteArtifacts {
		delete(m.artifacts, id)
	}
	return nil
}

// Artifact returns the stored state of an artifact.
func (m *MemoryStore) Artifact(id string) (artifact.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	return a, ok
}

func references(arts []artifact.Artifact, id string) bool {
	for _, a := range arts {
		if a.ID == id {
			return true
		}
	}
	return false
}

func tombstone(arts []artifact.Artifact, id string) []artifact.Artifact {
	if !references(arts, id) {
		return arts
	}
	out := make([]artifact.Artifact, len(arts))
	for i, a := range arts {
		if a.ID == id {
			a = a.WithQuality(artifact.QualityDeleted)
		}
		out[i] = a
	}
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].NodeID != recs[j].NodeID {
			return recs[i].NodeID < recs[j].NodeID
		}
		return recs[i].ID < recs[j].ID
	})
}
