// Package reconcile folds per-phase results into a single terminal record.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/record"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// ErrAlreadyReconciled is returned when a node is reconciled a second time.
var ErrAlreadyReconciled = errors.New("node already reconciled")

// Input is everything needed to close one node.
type Input struct {
	RunID   string
	Node    graph.Node
	Results phase.Set
	// Lineage of the direct dependencies, stored for later reuse checks.
	DependencyRevisions map[string]int
	DependencyRecords   map[string]string
}

// Reconciler produces terminal records and hands them to the store.
type Reconciler struct {
	store  record.Store
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu   sync.Mutex
	done map[string]struct{}
}

// New returns a Reconciler. A nil store keeps records in memory only.
func New(store record.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		done:   make(map[string]struct{}),
	}
}

func (r *Reconciler) claim(runID, nodeID string) error {
	key := runID + "/" + nodeID
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.done[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyReconciled, key)
	}
	r.done[key] = struct{}{}
	return nil
}

// Forget drops the at-most-once bookkeeping of a finished run.
func (r *Reconciler) Forget(runID string) {
	prefix := runID + "/"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.done {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(r.done, key)
		}
	}
}

// Reconcile merges the phase results of an executed node. Precedence is
// CANCELLED over SYSTEM_ERROR (timeouts included) over FAILED over success.
// A successful outcome lacking a required phase result becomes SYSTEM_ERROR.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (record.Record, error) {
	if err := r.claim(in.RunID, in.Node.ID); err != nil {
		return record.Record{}, err
	}
	n := in.Node
	temporary := n.Config.Options.Temporary

	final := status.Success
	var winner phase.Result
	for _, res := range in.Results.All() {
		st := res.Completion().Normalize()
		if !st.Succeeded() {
			r.logger.Warn("phase did not succeed",
				"run", in.RunID, "node", n.ID, "phase", res.Phase(), "status", res.Completion(), "reason", res.Summary())
		}
		if st.Rank() > final.Rank() {
			final, winner = st, res
		}
	}

	reason := ""
	if winner != nil {
		reason = fmt.Sprintf("%s %s", winner.Phase(), final)
		if s := winner.Summary(); s != "" {
			reason += ": " + s
		}
	} else {
		for _, kind := range phase.Required {
			if _, ok := in.Results.Get(kind); !ok {
				final = status.ResultSystemError
				reason = fmt.Sprintf("missing %s result on successful path", kind)
				r.logger.Error("integrity failure", "run", in.RunID, "node", n.ID, "phase", kind, "reason", reason)
				break
			}
		}
		if final == status.Success {
			reason = "build completed"
		}
	}

	var produced, consumed []artifact.Artifact
	if a := in.Results.Alignment; a != nil {
		consumed = append(consumed, a.Consumed...)
	}
	if b := in.Results.Build; b != nil {
		consumed = append(consumed, b.Consumed...)
	}
	if p := in.Results.Promotion; p != nil {
		consumed = append(consumed, p.Consumed...)
		produced = r.correctQuality(in.RunID, n.ID, p.Produced, temporary)
	}

	rec := record.Record{
		ID:                  r.newID(),
		RunID:               in.RunID,
		NodeID:              n.ID,
		ConfigRevision:      n.Config.Revision,
		Status:              final.Node(),
		Result:              final,
		Reason:              reason,
		Temporary:           temporary,
		Produced:            artifact.Dedup(produced),
		Consumed:            artifact.Dedup(consumed),
		Phases:              in.Results,
		DependencyRevisions: in.DependencyRevisions,
		DependencyRecords:   in.DependencyRecords,
		SubmitTime:          n.SubmitTime,
		StartTime:           n.StartTime,
		EndTime:             r.now(),
	}
	return rec, r.persist(ctx, rec)
}

// Close records a node that reached a terminal status without executing:
// rejections, reuse, and cancellation before admission.
func (r *Reconciler) Close(ctx context.Context, in Input) (record.Record, error) {
	n := in.Node
	if !n.Status.IsFinal() {
		return record.Record{}, fmt.Errorf("node %s is not terminal (%s)", n.ID, n.Status)
	}
	if err := r.claim(in.RunID, n.ID); err != nil {
		return record.Record{}, err
	}
	var result status.Result
	switch n.Status {
	case status.RejectedAlreadyBuilt:
		result = status.NoRebuildRequired
	case status.Cancelled:
		result = status.ResultCancelled
	case status.SystemError:
		result = status.ResultSystemError
	}
	end := n.EndTime
	if end.IsZero() {
		end = r.now()
	}
	rec := record.Record{
		ID:                  r.newID(),
		RunID:               in.RunID,
		NodeID:              n.ID,
		ConfigRevision:      n.Config.Revision,
		Status:              n.Status,
		Result:              result,
		Reason:              n.Reason,
		Temporary:           n.Config.Options.Temporary,
		NoRebuildCause:      n.NoRebuildCause,
		Phases:              in.Results,
		DependencyRevisions: in.DependencyRevisions,
		DependencyRecords:   in.DependencyRecords,
		SubmitTime:          n.SubmitTime,
		StartTime:           n.StartTime,
		EndTime:             end,
	}
	return rec, r.persist(ctx, rec)
}

func (r *Reconciler) correctQuality(runID, nodeID string, arts []artifact.Artifact, temporary bool) []artifact.Artifact {
	out := make([]artifact.Artifact, 0, len(arts))
	for _, a := range arts {
		if !artifact.Consistent(a.Quality, temporary) {
			want := artifact.Expected(temporary)
			r.logger.Warn("data integrity: artifact quality does not match build classification",
				"run", runID, "node", nodeID, "artifact", a.Identifier, "quality", a.Quality, "corrected", want, "temporary", temporary)
			a = a.WithQuality(want)
		}
		out = append(out, a)
	}
	return out
}

func (r *Reconciler) persist(ctx context.Context, rec record.Record) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return fmt.Errorf("store record for %s: %w", rec.NodeID, err)
	}
	return nil
}
