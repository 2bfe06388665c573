package record

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// openTestPostgres connects to POSTGRES_TEST_DSN and migrates the schema.
// Every id a test writes carries the returned prefix so runs do not collide.
func openTestPostgres(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Migrate is idempotent.
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return p, uuid.NewString()[:8] + "-"
}

func TestPostgresCreateAndRead(t *testing.T) {
	p, pfx := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	lib := artifact.Artifact{ID: pfx + "lib", Identifier: "org:lib:jar:1", Name: "lib", Version: "1", Digest: "sha256:aa", Quality: artifact.QualityNew, Size: 10}
	app := artifact.Artifact{ID: pfx + "app", Identifier: "org:app:jar:1", Name: "app", Version: "1", Quality: artifact.QualityTemporary}
	base := Record{
		ID: pfx + "r-lib", RunID: pfx + "run", NodeID: "lib", ConfigRevision: 3,
		Status: status.Done, Result: status.Success,
		Produced:            []artifact.Artifact{lib},
		DependencyRevisions: map[string]int{},
		SubmitTime:          now, StartTime: now, EndTime: now.Add(time.Second),
	}
	top := Record{
		ID: pfx + "r-app", RunID: pfx + "run", NodeID: "app", ConfigRevision: 1,
		Status: status.Done, Result: status.Success, Temporary: true,
		Produced:            []artifact.Artifact{app},
		Consumed:            []artifact.Artifact{lib},
		DependencyRevisions: map[string]int{"lib": 3},
		DependencyRecords:   map[string]string{"lib": base.ID},
		SubmitTime:          now, EndTime: now.Add(2 * time.Second),
	}
	rider := Record{
		ID: pfx + "r-rider", RunID: pfx + "run2", NodeID: "lib", ConfigRevision: 3,
		Status: status.RejectedAlreadyBuilt, NoRebuildCause: base.ID,
		SubmitTime: now, EndTime: now,
	}
	for _, rec := range []Record{base, top, rider} {
		if err := p.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}
	t.Cleanup(func() {
		_ = p.Purge(context.Background(), Purge{
			Records:         []string{rider.ID, top.ID, base.ID},
			DeleteArtifacts: []string{lib.ID, app.ID},
		})
	})

	if err := p.Create(ctx, base); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists on duplicate create, got %v", err)
	}

	got, err := p.Get(ctx, top.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != status.Done || !got.Temporary || got.ConfigRevision != 1 {
		t.Fatalf("unexpected record %+v", got)
	}
	if len(got.Produced) != 1 || got.Produced[0].ID != app.ID || len(got.Consumed) != 1 || got.Consumed[0].ID != lib.ID {
		t.Fatalf("artifacts not linked: produced=%+v consumed=%+v", got.Produced, got.Consumed)
	}
	if got.DependencyRecords["lib"] != base.ID || got.DependencyRevisions["lib"] != 3 {
		t.Fatalf("dependency lineage lost: %+v %+v", got.DependencyRecords, got.DependencyRevisions)
	}
	if !got.StartTime.IsZero() || !got.EndTime.Equal(top.EndTime) {
		t.Fatalf("unexpected times start=%v end=%v", got.StartTime, got.EndTime)
	}
	if _, err := p.Get(ctx, pfx+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	byRun, err := p.ByRun(ctx, pfx+"run")
	if err != nil || len(byRun) != 2 || byRun[0].NodeID != "app" {
		t.Fatalf("unexpected run records %+v err=%v", byRun, err)
	}
	riders, err := p.FreeRiders(ctx, base.ID)
	if err != nil || len(riders) != 1 || riders[0].ID != rider.ID {
		t.Fatalf("unexpected free riders %+v err=%v", riders, err)
	}
	if n, err := p.ArtifactReferences(ctx, lib.ID, []string{base.ID}); err != nil || n != 1 {
		t.Fatalf("expected one outside reference to lib, got %d err=%v", n, err)
	}
	if n, err := p.ArtifactReferences(ctx, lib.ID, nil); err != nil || n != 2 {
		t.Fatalf("expected two references to lib, got %d err=%v", n, err)
	}
}

func TestPostgresPurgeIsAtomic(t *testing.T) {
	p, pfx := openTestPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	own := artifact.Artifact{ID: pfx + "own", Identifier: "org:own:jar:1", Quality: artifact.QualityTemporary}
	shared := artifact.Artifact{ID: pfx + "shared", Identifier: "org:shared:jar:1", Quality: artifact.QualityTemporary}
	root := Record{ID: pfx + "root", RunID: pfx + "run", NodeID: "a", Status: status.Done, Temporary: true,
		Produced: []artifact.Artifact{own, shared}, SubmitTime: now, EndTime: now}
	consumer := Record{ID: pfx + "consumer", RunID: pfx + "run", NodeID: "b", Status: status.Done,
		Consumed: []artifact.Artifact{shared}, SubmitTime: now, EndTime: now}
	rider := Record{ID: pfx + "rider", RunID: pfx + "run2", NodeID: "a", Status: status.RejectedAlreadyBuilt,
		NoRebuildCause: root.ID, SubmitTime: now, EndTime: now}
	for _, rec := range []Record{root, consumer, rider} {
		if err := p.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}
	t.Cleanup(func() {
		_ = p.Purge(context.Background(), Purge{Records: []string{consumer.ID}, DeleteArtifacts: []string{shared.ID}})
	})

	tests := []struct {
		name    string
		purge   Purge
		wantErr error
	}{
		{
			name: "missing record rolls everything back",
			purge: Purge{
				ClearCause:      []string{rider.ID},
				MarkDeleted:     []string{shared.ID},
				DeleteArtifacts: []string{own.ID},
				Records:         []string{root.ID, pfx + "missing"},
			},
			wantErr: ErrNotFound,
		},
		{
			name: "complete step",
			purge: Purge{
				ClearCause:      []string{rider.ID},
				MarkDeleted:     []string{shared.ID},
				DeleteArtifacts: []string{own.ID},
				Records:         []string{rider.ID, root.ID},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Purge(ctx, tt.purge)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				got, err := p.Get(ctx, root.ID)
				if err != nil {
					t.Fatalf("root must survive a failed purge: %v", err)
				}
				if len(got.Produced) != 2 {
					t.Fatalf("artifacts of root changed: %+v", got.Produced)
				}
				r, _ := p.Get(ctx, rider.ID)
				if r.NoRebuildCause != root.ID {
					t.Fatalf("cause cleared by a failed purge: %q", r.NoRebuildCause)
				}
				c, _ := p.Get(ctx, consumer.ID)
				if c.Consumed[0].Quality != artifact.QualityTemporary {
					t.Fatalf("tombstone applied by a failed purge")
				}
				return
			}
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			for _, id := range []string{root.ID, rider.ID} {
				if _, err := p.Get(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Fatalf("%s should be gone, got %v", id, err)
				}
			}
			c, err := p.Get(ctx, consumer.ID)
			if err != nil {
				t.Fatalf("consumer: %v", err)
			}
			if len(c.Consumed) != 1 || c.Consumed[0].Quality != artifact.QualityDeleted {
				t.Fatalf("shared artifact should be tombstoned, got %+v", c.Consumed)
			}
			if n, _ := p.ArtifactReferences(ctx, own.ID, nil); n != 0 {
				t.Fatalf("own artifact still referenced %d times", n)
			}
		})
	}
}
