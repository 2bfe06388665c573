package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/rebuild"
	"github.com/project-ncl/pnc-sub011/internal/reconcile"
	"github.com/project-ncl/pnc-sub011/internal/record"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

type completion struct {
	nodeID   string
	rec      record.Record
	err      error
	panicked any
}

type cancelRequest struct {
	nodeID string
	reply  chan error
}

// run is the state of one orchestration run. Everything except the
// channels is owned by the coordinating goroutine executing loop.
type run struct {
	s       *Scheduler
	id      string
	nodes   *graph.Graph
	decider *rebuild.Decider
	log     *slog.Logger

	workers     errgroup.Group
	completions chan completion
	cancels     chan cancelRequest
	finished    chan struct{}

	running  map[string]context.CancelFunc
	ready    []string
	stopping bool
	out      Outcome
}

func (r *run) done() <-chan struct{} { return r.finished }

func (r *run) loop(ctx context.Context) {
	defer close(r.finished)
	ctxDone := ctx.Done()
	for {
		if !r.stopping && ctx.Err() != nil {
			ctxDone = nil
			r.stop(ctx)
		}
		if !r.stopping {
			r.admit(ctx)
			r.dispatch(ctx)
		}
		if len(r.running) == 0 {
			if r.nodes.Drained() {
				return
			}
			if len(r.ready) == 0 {
				r.stall(ctx)
				continue
			}
		}
		select {
		case c := <-r.completions:
			r.complete(ctx, c)
		case req := <-r.cancels:
			req.reply <- r.cancel(ctx, req.nodeID)
		case <-ctxDone:
			ctxDone = nil
			r.stop(ctx)
		}
	}
}

// rejectStructural closes nodes that can never run: missing configuration,
// cycle members and ids already active in another run.
func (r *run) rejectStructural(ctx context.Context, cycle *graph.CycleError, dups map[string]string) {
	var rejected []string
	for _, n := range r.nodes.Nodes() {
		if n.Status == status.Rejected {
			r.publish(ctx, n.ID, status.New, status.Rejected, n.Reason)
			rejected = append(rejected, n.ID)
		}
	}
	if cycle != nil {
		reason := cycle.Error()
		for _, id := range cycle.Members() {
			if n, _ := r.nodes.Node(id); n.Status.IsFinal() {
				continue
			}
			if r.move(ctx, id, status.Rejected, reason) == nil {
				rejected = append(rejected, id)
			}
		}
	}
	ids := make([]string, 0, len(dups))
	for id := range dups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if n, _ := r.nodes.Node(id); n.Status.IsFinal() {
			continue
		}
		if r.move(ctx, id, status.Rejected, fmt.Sprintf("already in queue (run %s)", dups[id])) == nil {
			rejected = append(rejected, id)
		}
	}
	for _, id := range rejected {
		n, _ := r.nodes.Node(id)
		r.out.Rejected = append(r.out.Rejected, Rejection{NodeID: id, Status: n.Status, Reason: n.Reason})
		r.log.Warn("node rejected", "node", id, "reason", n.Reason)
		r.finish(ctx, id, false)
	}
}

// admit evaluates every node whose dependencies are all terminal. Reuse
// decisions finish nodes immediately, which can unblock others, so the scan
// repeats until nothing changes.
func (r *run) admit(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		for _, n := range r.nodes.Nodes() {
			if ctx.Err() != nil {
				return
			}
			if n.Status != status.New && n.Status != status.WaitingForDependencies {
				continue
			}
			ready, failed := r.dependencyState(n)
			if failed != "" {
				d, _ := r.nodes.Node(failed)
				if r.move(ctx, n.ID, status.RejectedFailedDependencies,
					fmt.Sprintf("dependency %s finished as %s", failed, d.Status)) == nil {
					r.finish(ctx, n.ID, false)
				}
				changed = true
				continue
			}
			if !ready {
				if n.Status == status.New {
					_ = r.move(ctx, n.ID, status.WaitingForDependencies, "waiting for dependencies")
				}
				continue
			}
			dec, err := r.decide(ctx, n)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Error("rebuild decision failed", "node", n.ID, "error", err)
				if r.move(ctx, n.ID, status.SystemError, "rebuild decision failed: "+err.Error()) == nil {
					r.finish(ctx, n.ID, false)
				}
				changed = true
				continue
			}
			if !dec.Rebuild {
				n.NoRebuildCause = dec.Cause
				if r.move(ctx, n.ID, status.RejectedAlreadyBuilt, dec.Reason) == nil {
					r.finish(ctx, n.ID, false)
				}
				changed = true
				continue
			}
			if r.move(ctx, n.ID, status.Enqueued, dec.Reason) == nil {
				r.ready = append(r.ready, n.ID)
			}
		}
	}
}

func (r *run) dependencyState(n *graph.Node) (ready bool, failed string) {
	ready = true
	for _, id := range r.nodes.Dependencies(n.ID) {
		d, _ := r.nodes.Node(id)
		if !d.Status.IsFinal() {
			ready = false
			continue
		}
		if d.Status.HasFailed() {
			return false, id
		}
	}
	return ready, ""
}

func (r *run) decide(ctx context.Context, n *graph.Node) (dec rebuild.Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ids := r.nodes.Dependencies(n.ID)
	deps := make([]rebuild.Dependency, 0, len(ids))
	for _, id := range ids {
		d, _ := r.nodes.Node(id)
		deps = append(deps, rebuild.Dependency{
			ID:       id,
			Revision: d.Config.Revision,
			Status:   d.Status,
			RecordID: recordOf(d),
			Rebuilt:  d.Status == status.Done,
		})
	}
	return r.decider.RequiresRebuild(ctx, n, deps)
}

func (r *run) dispatch(ctx context.Context) {
	for len(r.ready) > 0 && len(r.running) < r.s.limit {
		id := r.ready[0]
		r.ready = r.ready[1:]
		n, _ := r.nodes.Node(id)
		if r.move(ctx, id, status.Building, "building") != nil {
			continue
		}
		nodeCtx, cancel := context.WithCancel(ctx)
		r.running[id] = cancel
		in := r.input(n)
		deps := r.dependencyArtifacts(n)
		r.workers.Go(func() error {
			r.execute(ctx, nodeCtx, in, deps)
			return nil
		})
	}
}

// execute runs on a pool goroutine. It never touches the graph.
func (r *run) execute(runCtx, nodeCtx context.Context, in reconcile.Input, deps []artifact.Artifact) {
	defer func() {
		if p := recover(); p != nil {
			r.completions <- completion{nodeID: in.Node.ID, panicked: p}
		}
	}()
	in.Results = r.runPipeline(nodeCtx, in.Node, deps)
	rec, err := r.s.recon.Reconcile(context.WithoutCancel(runCtx), in)
	r.completions <- completion{nodeID: in.Node.ID, rec: rec, err: err}
}

func (r *run) runPipeline(ctx context.Context, n graph.Node, deps []artifact.Artifact) phase.Set {
	if err := r.s.pool.Acquire(ctx, 1); err != nil {
		var set phase.Set
		set.Add(phase.AlignmentResult{Common: phase.Common{
			Status: status.ResultCancelled, Reason: "cancelled while waiting for a worker", EndedAt: time.Now().UTC(),
		}})
		return set
	}
	defer r.s.pool.Release(1)
	if r.s.executor == nil {
		return phase.Set{}
	}
	return r.s.executor.Run(ctx, r.id, n, deps)
}

func (r *run) complete(ctx context.Context, c completion) {
	if cancel, ok := r.running[c.nodeID]; ok {
		cancel()
		delete(r.running, c.nodeID)
	}
	if c.panicked != nil {
		r.log.Error("pipeline panicked", "node", c.nodeID, "panic", c.panicked)
		if r.move(ctx, c.nodeID, status.SystemError, fmt.Sprintf("internal error: %v", c.panicked)) == nil {
			r.finish(ctx, c.nodeID, false)
		}
		return
	}
	if c.err != nil && c.rec.ID != "" {
		// The record was built but never stored; nothing may build on it.
		r.log.Error("terminal record not stored", "node", c.nodeID, "status", c.rec.Status, "error", c.err)
		r.out.Unrecorded = append(r.out.Unrecorded, c.nodeID)
		if r.move(ctx, c.nodeID, status.SystemError, "store record: "+c.err.Error()) == nil {
			r.finish(ctx, c.nodeID, true)
		}
		return
	}
	if c.rec.ID == "" {
		r.log.Error("reconciliation failed", "node", c.nodeID, "error", c.err)
		if r.move(ctx, c.nodeID, status.SystemError, fmt.Sprintf("reconciliation failed: %v", c.err)) == nil {
			r.finish(ctx, c.nodeID, false)
		}
		return
	}
	n, _ := r.nodes.Node(c.nodeID)
	n.RecordID = c.rec.ID
	r.out.Records[c.nodeID] = c.rec
	if c.rec.Status == status.Done {
		_ = r.move(ctx, c.nodeID, status.BuildCompleted, "")
	}
	if r.move(ctx, c.nodeID, c.rec.Status, c.rec.Reason) != nil {
		// keep the graph consistent with the stored record
		_ = r.move(ctx, c.nodeID, status.SystemError, c.rec.Reason)
	}
	r.finish(ctx, c.nodeID, true)
}

func (r *run) cancel(ctx context.Context, id string) error {
	n, ok := r.nodes.Node(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	if n.Status.IsFinal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinal, id, n.Status)
	}
	if cancel, ok := r.running[id]; ok {
		r.log.Info("cancelling building node", "node", id)
		cancel()
		return nil
	}
	r.dropReady(id)
	if err := r.move(ctx, id, status.Cancelled, "cancelled by request"); err != nil {
		return err
	}
	r.finish(ctx, id, false)
	return nil
}

// stop cancels every node that has not started; building nodes see the
// cancelled run context and finish through reconciliation.
func (r *run) stop(ctx context.Context) {
	r.stopping = true
	r.ready = nil
	r.log.Warn("run cancelled", "building", len(r.running))
	for _, n := range r.nodes.Nodes() {
		if _, ok := r.running[n.ID]; ok || n.Status.IsFinal() {
			continue
		}
		if r.move(ctx, n.ID, status.Cancelled, "run cancelled") == nil {
			r.finish(ctx, n.ID, false)
		}
	}
}

func (r *run) stall(ctx context.Context) {
	r.log.Error("scheduler stalled; failing remaining nodes")
	for _, n := range r.nodes.Nodes() {
		if n.Status.IsFinal() {
			continue
		}
		if r.move(ctx, n.ID, status.SystemError, "scheduler stalled") == nil {
			r.finish(ctx, n.ID, false)
		}
	}
}

// finish handles a node that just became terminal. Nodes that did not
// execute get their record here. A failed node rejects every dependent that
// has not finished yet, transitively.
func (r *run) finish(ctx context.Context, id string, executed bool) {
	n, _ := r.nodes.Node(id)
	if !executed {
		rec, err := r.s.recon.Close(context.WithoutCancel(ctx), r.input(n))
		switch {
		case err != nil:
			// The status is already terminal and stays; the missing record
			// fails the run.
			r.log.Error("close record failed", "node", id, "status", n.Status, "error", err)
			r.out.Unrecorded = append(r.out.Unrecorded, id)
		case rec.ID != "":
			n.RecordID = rec.ID
			r.out.Records[id] = rec
		}
	}
	if !n.Status.HasFailed() {
		return
	}
	for _, depID := range r.nodes.Dependents(id) {
		d, _ := r.nodes.Node(depID)
		if d.Status.IsFinal() {
			continue
		}
		if _, ok := r.running[depID]; ok {
			continue
		}
		r.dropReady(depID)
		if r.move(ctx, depID, status.RejectedFailedDependencies, fmt.Sprintf("dependency %s finished as %s", id, n.Status)) == nil {
			r.finish(ctx, depID, false)
		}
	}
}

func (r *run) move(ctx context.Context, id string, to status.Node, reason string) error {
	old, err := r.nodes.Transition(id, to, reason)
	if err != nil {
		r.log.Error("invalid transition", "node", id, "error", err)
		return err
	}
	r.publish(ctx, id, old, to, reason)
	return nil
}

func (r *run) publish(ctx context.Context, id string, old, to status.Node, reason string) {
	r.log.Debug("status changed", "node", id, "old", old, "new", to, "reason", reason)
	if r.s.sink == nil {
		return
	}
	evt := notify.Event{Type: notify.StatusChanged, RunID: r.id, NodeID: id, Old: old, New: to, Reason: reason, Time: time.Now().UTC()}
	if err := r.s.sink.Publish(context.WithoutCancel(ctx), evt); err != nil {
		r.log.Warn("event delivery failed", "node", id, "error", err)
	}
}

func (r *run) dropReady(id string) {
	for i, rid := range r.ready {
		if rid == id {
			r.ready = append(r.ready[:i], r.ready[i+1:]...)
			return
		}
	}
}

func (r *run) input(n *graph.Node) reconcile.Input {
	revs := make(map[string]int, len(n.Dependencies))
	recs := make(map[string]string, len(n.Dependencies))
	for id := range n.Dependencies {
		d, _ := r.nodes.Node(id)
		revs[id] = d.Config.Revision
		if rid := recordOf(d); rid != "" {
			recs[id] = rid
		}
	}
	return reconcile.Input{RunID: r.id, Node: *n, DependencyRevisions: revs, DependencyRecords: recs}
}

func (r *run) dependencyArtifacts(n *graph.Node) []artifact.Artifact {
	var out []artifact.Artifact
	for _, id := range r.nodes.Dependencies(n.ID) {
		d, _ := r.nodes.Node(id)
		switch d.Status {
		case status.Done:
			out = append(out, r.out.Records[id].Produced...)
		case status.RejectedAlreadyBuilt:
			if d.Config.LastSuccess != nil {
				out = append(out, d.Config.LastSuccess.Produced...)
			}
		}
	}
	return artifact.Dedup(out)
}

// recordOf returns the successful record a dependent should build against.
func recordOf(n *graph.Node) string {
	switch n.Status {
	case status.Done:
		return n.RecordID
	case status.RejectedAlreadyBuilt:
		return n.NoRebuildCause
	}
	return ""
}
