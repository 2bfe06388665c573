// Package record defines the terminal build record and the persistence
// contract the orchestrator hands it to.
package record

import (
	"context"
	"errors"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

// Record is the reconciled, immutable outcome of one build node.
type Record struct {
	ID             string              `json:"id"`
	RunID          string              `json:"run_id"`
	NodeID         string              `json:"node_id"`
	ConfigRevision int                 `json:"config_revision"`
	Status         status.Node         `json:"status"`
	Result         status.Result       `json:"result,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Temporary      bool                `json:"temporary,omitempty"`
	NoRebuildCause string              `json:"no_rebuild_cause,omitempty"`
	Produced       []artifact.Artifact `json:"produced,omitempty"`
	Consumed       []artifact.Artifact `json:"consumed,omitempty"`
	Phases         phase.Set           `json:"phases"`
	// Dependency revisions and records seen by this build; a later run
	// compares against them when deciding whether to reuse it.
	DependencyRevisions map[string]int    `json:"dependency_revisions,omitempty"`
	DependencyRecords   map[string]string `json:"dependency_records,omitempty"`
	SubmitTime          time.Time         `json:"submit_time"`
	StartTime           time.Time         `json:"start_time,omitempty"`
	EndTime             time.Time         `json:"end_time"`
}

// Prior converts a successful record into the reuse candidate for its
// configuration. It returns nil for records that cannot be reused.
func (r Record) Prior() *graph.PriorBuild {
	if r.Status != status.Done {
		return nil
	}
	return &graph.PriorBuild{
		RecordID:            r.ID,
		Revision:            r.ConfigRevision,
		DependencyRevisions: r.DependencyRevisions,
		DependencyRecords:   r.DependencyRecords,
		Consumed:            r.Consumed,
		Produced:            r.Produced,
		Temporary:           r.Temporary,
		CompletedAt:         r.EndTime,
	}
}

// Purge is one atomic removal step: causes cleared on surviving records,
// artifacts deleted or tombstoned, and records deleted in order.
type Purge struct {
	ClearCause      []string
	DeleteArtifacts []string
	MarkDeleted     []string
	Records         []string
}

// Store persists terminal records. Create is at-most-once per id.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	ByRun(ctx context.Context, runID string) ([]Record, error)
	// FreeRiders returns the records whose no-rebuild cause is id.
	FreeRiders(ctx context.Context, id string) ([]Record, error)
	// ArtifactReferences counts records outside exclude that produced or
	// consumed the artifact.
	ArtifactReferences(ctx context.Context, artifactID string, exclude []string) (int, error)
	Purge(ctx context.Context, p Purge) error
}
