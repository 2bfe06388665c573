// Package scheduler admits build nodes in dependency order, runs them on a
// bounded worker pool and propagates terminal states to dependents.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/rebuild"
	"github.com/project-ncl/pnc-sub011/internal/reconcile"
	"github.com/project-ncl/pnc-sub011/internal/record"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// DefaultMaxConcurrent is the pool size used when none is configured.
const DefaultMaxConcurrent = 4

var (
	ErrNotActive     = errors.New("node is not active in any run")
	ErrAlreadyFinal  = errors.New("node already finished")
	ErrRunInProgress = errors.New("run id already in progress")
)

// Executor runs the phases of one admitted node.
type Executor interface {
	Run(ctx context.Context, runID string, n graph.Node, deps []artifact.Artifact) phase.Set
}

// Options configure a Scheduler.
type Options struct {
	MaxConcurrent int
	Decider       *rebuild.Decider
	Executor      Executor
	Reconciler    *reconcile.Reconciler
	Sink          notify.Sink
	Logger        *slog.Logger
}

// Request is one orchestration run.
type Request struct {
	RunID    string
	Configs  []graph.Config
	Resolver graph.Resolver
	// Policy overrides the decider's policy for this run when set.
	Policy rebuild.Policy
}

// Rejection is a structural rejection reported synchronously.
type Rejection struct {
	NodeID string
	Status status.Node
	Reason string
}

// Outcome is the final state of a run.
type Outcome struct {
	RunID    string
	Statuses map[string]status.Node
	Reasons  map[string]string
	Records  map[string]record.Record
	Rejected []Rejection
	Cycle    *graph.CycleError
	// Unrecorded lists nodes whose terminal record could not be stored.
	// They have no entry in Records.
	Unrecorded []string
}

// Succeeded reports whether no node ended in a failed status and every
// record was stored.
func (o Outcome) Succeeded() bool {
	if len(o.Unrecorded) > 0 {
		return false
	}
	for _, st := range o.Statuses {
		if st.HasFailed() {
			return false
		}
	}
	return true
}

// Scheduler owns the worker pool shared by all runs.
type Scheduler struct {
	limit    int
	pool     *semaphore.Weighted
	decider  *rebuild.Decider
	executor Executor
	recon    *reconcile.Reconciler
	sink     notify.Sink
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]string // node id -> run id
	runs   map[string]*run
}

// New constructs a scheduler.
func New(opts Options) *Scheduler {
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	decider := opts.Decider
	if decider == nil {
		decider = &rebuild.Decider{Policy: rebuild.Implicit, Logger: logger}
	}
	recon := opts.Reconciler
	if recon == nil {
		recon = reconcile.New(nil, logger)
	}
	return &Scheduler{
		limit:    limit,
		pool:     semaphore.NewWeighted(int64(limit)),
		decider:  decider,
		executor: opts.Executor,
		recon:    recon,
		sink:     opts.Sink,
		logger:   logger,
		active:   make(map[string]string),
		runs:     make(map[string]*run),
	}
}

// MaxConcurrent returns the pool size.
func (s *Scheduler) MaxConcurrent() int { return s.limit }

// Active returns the ids of nodes currently owned by a run.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// Run builds the graph for req and drives it until every node is terminal.
// Structural problems (cycles, missing configurations, duplicates) reject
// the affected nodes; the run still drains the rest of the graph. Only an
// unusable request returns an error.
func (s *Scheduler) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	g, err := graph.Build(req.Configs, req.Resolver)
	var cycle *graph.CycleError
	if err != nil && !errors.As(err, &cycle) {
		return Outcome{}, fmt.Errorf("build graph: %w", err)
	}

	decider := *s.decider
	if req.Policy != "" {
		decider.Policy = req.Policy
	}
	r := &run{
		s:           s,
		id:          req.RunID,
		nodes:       g,
		decider:     &decider,
		log:         s.logger.With("run", req.RunID),
		completions: make(chan completion, g.Len()),
		cancels:     make(chan cancelRequest),
		running:     make(map[string]context.CancelFunc),
		finished:    make(chan struct{}),
		out: Outcome{
			RunID:    req.RunID,
			Statuses: make(map[string]status.Node, g.Len()),
			Reasons:  make(map[string]string, g.Len()),
			Records:  make(map[string]record.Record, g.Len()),
			Cycle:    cycle,
		},
	}
	r.workers.SetLimit(s.limit)

	dups, err := s.register(r)
	if err != nil {
		return Outcome{}, err
	}
	defer s.unregister(r)
	defer s.recon.Forget(r.id)

	for _, cfg := range g.Duplicates() {
		r.out.Rejected = append(r.out.Rejected, Rejection{NodeID: cfg.ID, Status: status.Rejected, Reason: "already in queue"})
		r.log.Warn("duplicate configuration in request", "node", cfg.ID)
	}
	r.rejectStructural(ctx, cycle, dups)
	r.loop(ctx)
	r.workers.Wait()

	for _, n := range g.Nodes() {
		r.out.Statuses[n.ID] = n.Status
		r.out.Reasons[n.ID] = n.Reason
	}
	sort.Strings(r.out.Unrecorded)
	r.log.Info("run finished", "nodes", g.Len(), "succeeded", r.out.Succeeded())
	return r.out, nil
}

// register claims the run's node ids; ids already owned by another run are
// returned as duplicates.
func (s *Scheduler) register(r *run) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, r.id)
	}
	s.runs[r.id] = r
	dups := map[string]string{}
	for _, n := range r.nodes.Nodes() {
		if other, ok := s.active[n.ID]; ok {
			dups[n.ID] = other
			continue
		}
		s.active[n.ID] = r.id
	}
	return dups, nil
}

func (s *Scheduler) unregister(r *run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, r.id)
	for id, owner := range s.active {
		if owner == r.id {
			delete(s.active, id)
		}
	}
}

// Cancel cancels an active node. A building node has its current phase
// aborted and finishes as CANCELLED after reconciliation; a node that has
// not started is cancelled at once and its dependents are rejected.
func (s *Scheduler) Cancel(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	runID, ok := s.active[nodeID]
	r := s.runs[runID]
	s.mu.Unlock()
	if !ok || r == nil {
		return fmt.Errorf("%w: %s", ErrNotActive, nodeID)
	}
	req := cancelRequest{nodeID: nodeID, reply: make(chan error, 1)}
	select {
	case r.cancels <- req:
	case <-r.done():
		return fmt.Errorf("%w: %s", ErrNotActive, nodeID)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
