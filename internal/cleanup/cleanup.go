// Package cleanup deletes temporary build records together with the records
// that only exist because they reused them.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/record"
)

// ErrNotTemporary is reported when deletion of a permanent record is requested.
var ErrNotTemporary = errors.New("only temporary records can be deleted")

// RemoteCleaner removes traces a record left outside the store, such as
// pushed images, promotion tags or uploaded logs.
type RemoteCleaner interface {
	RemoveTraces(ctx context.Context, rec record.Record) error
}

// ArtifactIndex is notified about artifacts that no longer exist.
type ArtifactIndex interface {
	Forget(ctx context.Context, a artifact.Artifact) error
}

// Result is the outcome of one delete request.
type Result struct {
	RecordID string   `json:"record_id"`
	Success  bool     `json:"success"`
	Message  string   `json:"message"`
	Deleted  []string `json:"deleted,omitempty"`
	// Cleaned lists records whose remote traces were removed before a
	// failure stopped the delete. The records themselves still exist.
	Cleaned  []string `json:"cleaned,omitempty"`
}

// Coordinator performs cascading deletes.
type Coordinator struct {
	Store    record.Store
	Cleaners []RemoteCleaner
	Index    ArtifactIndex
	Sink     notify.Sink
	Logger   *slog.Logger

	mu sync.Mutex
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Delete removes the temporary record id, every temporary record whose
// no-rebuild cause points into the deleted set, and their artifacts.
// Permanent records pointing into the set keep living with their cause
// cleared. If any remote cleaner fails nothing is changed.
func (c *Coordinator) Delete(ctx context.Context, id string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.delete(ctx, id)
	log := c.logger().With("record", id, "success", res.Success)
	if res.Success {
		log.Info("cleanup finished", "deleted", len(res.Deleted))
	} else {
		log.Warn("cleanup failed", "reason", res.Message)
	}
	if c.Sink != nil {
		evt := notify.Event{Type: notify.CleanupDone, RecordID: id, Success: res.Success, Reason: res.Message, Time: time.Now().UTC()}
		if err := c.Sink.Publish(context.WithoutCancel(ctx), evt); err != nil {
			c.logger().Warn("cleanup event delivery failed", "record", id, "error", err)
		}
	}
	return res
}

func fail(id, format string, args ...any) Result {
	return Result{RecordID: id, Message: fmt.Sprintf(format, args...)}
}

func (c *Coordinator) delete(ctx context.Context, id string) Result {
	root, err := c.Store.Get(ctx, id)
	if err != nil {
		return fail(id, "load record: %v", err)
	}
	if !root.Temporary {
		return fail(id, "%v: %s", ErrNotTemporary, id)
	}

	doomed, clear, err := c.collect(ctx, root)
	if err != nil {
		return fail(id, "collect dependent records: %v", err)
	}

	if cleaned, err := c.removeTraces(ctx, doomed); err != nil {
		res := fail(id, "%v", err)
		res.Cleaned = cleaned
		if len(cleaned) > 0 {
			c.logger().Warn("remote traces already removed for records that were kept",
				"record", id, "cleaned", cleaned, "error", err)
		}
		return res
	}

	ids := make([]string, 0, len(doomed))
	for _, rec := range doomed {
		ids = append(ids, rec.ID)
	}
	var produced []artifact.Artifact
	for _, rec := range doomed {
		produced = append(produced, rec.Produced...)
	}
	produced = artifact.Dedup(produced)

	purge := record.Purge{ClearCause: clear, Records: ids}
	var removed []artifact.Artifact
	for _, a := range produced {
		refs, err := c.Store.ArtifactReferences(ctx, a.ID, ids)
		if err != nil {
			return fail(id, "count references of %s: %v", a.ID, err)
		}
		if refs == 0 {
			purge.DeleteArtifacts = append(purge.DeleteArtifacts, a.ID)
			removed = append(removed, a)
		} else {
			purge.MarkDeleted = append(purge.MarkDeleted, a.ID)
		}
	}

	if err := c.Store.Purge(ctx, purge); err != nil {
		return fail(id, "delete records: %v", err)
	}
	if c.Index != nil {
		for _, a := range removed {
			if err := c.Index.Forget(ctx, a); err != nil {
				c.logger().Warn("artifact index update failed", "artifact", a.ID, "error", err)
			}
		}
	}
	return Result{
		RecordID: id,
		Success:  true,
		Message:  fmt.Sprintf("deleted %d record(s), %d artifact(s) removed, %d marked deleted", len(ids), len(purge.DeleteArtifacts), len(purge.MarkDeleted)),
		Deleted:  ids,
	}
}

// removeTraces runs every cleaner over doomed, root first, so a root that
// cannot be cleaned leaves all remote state untouched. Traces cannot be
// restored: the returned ids are records that lost theirs before a later
// cleaner failed.
func (c *Coordinator) removeTraces(ctx context.Context, doomed []record.Record) ([]string, error) {
	var cleaned []string
	for i := len(doomed) - 1; i >= 0; i-- {
		rec := doomed[i]
		for _, cl := range c.Cleaners {
			if err := cl.RemoveTraces(ctx, rec); err != nil {
				return cleaned, fmt.Errorf("remove remote traces of %s: %w", rec.ID, err)
			}
		}
		cleaned = append(cleaned, rec.ID)
	}
	return cleaned, nil
}

// collect walks the no-rebuild cause back-references from root. The
// returned records are ordered free riders first, root last.
func (c *Coordinator) collect(ctx context.Context, root record.Record) ([]record.Record, []string, error) {
	seen := map[string]bool{root.ID: true}
	order := []record.Record{root}
	var clear []string
	for i := 0; i < len(order); i++ {
		riders, err := c.Store.FreeRiders(ctx, order[i].ID)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range riders {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			if !r.Temporary {
				clear = append(clear, r.ID)
				continue
			}
			order = append(order, r)
		}
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, clear, nil
}
