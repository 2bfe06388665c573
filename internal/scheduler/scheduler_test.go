package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/rebuild"
	"github.com/project-ncl/pnc-sub011/internal/reconcile"
	"github.com/project-ncl/pnc-sub011/internal/record"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

func succeeded() phase.Set {
	var s phase.Set
	s.Add(phase.AlignmentResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.EnvironmentResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.BuildResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.PromotionResult{Common: phase.Common{Status: status.Success}})
	return s
}

func buildFailed() phase.Set {
	var s phase.Set
	s.Add(phase.AlignmentResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.EnvironmentResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.BuildResult{Common: phase.Common{Status: status.Failed, Reason: "compilation failed"}})
	return s
}

func cancelled() phase.Set {
	var s phase.Set
	s.Add(phase.AlignmentResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.EnvironmentResult{Common: phase.Common{Status: status.Success}})
	s.Add(phase.BuildResult{Common: phase.Common{Status: status.ResultCancelled}})
	return s
}

// fakeExecutor records execution order and concurrency.
type fakeExecutor struct {
	mu         sync.Mutex
	behaviour  map[string]func(ctx context.Context) phase.Set
	started    chan string
	executed   []string
	finished   map[string]bool
	violations []string
	running    int
	maxRunning int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		behaviour: map[string]func(ctx context.Context) phase.Set{},
		finished:  map[string]bool{},
		started:   make(chan string, 64),
	}
}

func (f *fakeExecutor) Run(ctx context.Context, _ string, n graph.Node, _ []artifact.Artifact) phase.Set {
	f.mu.Lock()
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.executed = append(f.executed, n.ID)
	for _, dep := range n.Config.Dependencies {
		if !f.finished[dep] {
			f.violations = append(f.violations, n.ID+" started before "+dep)
		}
	}
	fn := f.behaviour[n.ID]
	f.mu.Unlock()
	f.started <- n.ID

	set := succeeded()
	if fn != nil {
		set = fn(ctx)
	}

	f.mu.Lock()
	f.running--
	f.finished[n.ID] = true
	f.mu.Unlock()
	return set
}

func (f *fakeExecutor) ran(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.executed {
		if e == id {
			return true
		}
	}
	return false
}

func cfg(id string, deps ...string) graph.Config {
	return graph.Config{ID: id, Revision: 1, Dependencies: deps}
}

func newScheduler(exec Executor, limit int) (*Scheduler, *record.MemoryStore, *notify.Recorder) {
	store := record.NewMemoryStore()
	events := &notify.Recorder{}
	s := New(Options{
		MaxConcurrent: limit,
		Decider:       &rebuild.Decider{Policy: rebuild.Explicit},
		Executor:      exec,
		Reconciler:    reconcile.New(store, nil),
		Sink:          events,
	})
	return s, store, events
}

func waitStarted(t *testing.T, f *fakeExecutor, id string) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == id {
				return
			}
		case <-timeout:
			t.Fatalf("node %s never started", id)
		}
	}
}

func TestEndToEndReuseSuccessAndFailure(t *testing.T) {
	exec := newFakeExecutor()
	var barrier sync.WaitGroup
	barrier.Add(2)
	parallel := func(set phase.Set) func(context.Context) phase.Set {
		return func(context.Context) phase.Set {
			barrier.Done()
			done := make(chan struct{})
			go func() { barrier.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
			return set
		}
	}
	exec.behaviour["B"] = parallel(succeeded())
	exec.behaviour["C"] = parallel(buildFailed())

	a := cfg("A")
	a.LastSuccess = &graph.PriorBuild{RecordID: "rec-A-old", Revision: 1}
	b := cfg("B", "A")
	c := cfg("C", "A")

	s, store, events := newScheduler(exec, 4)
	out, err := s.Run(context.Background(), Request{RunID: "run-1", Configs: []graph.Config{a, b, c}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := map[string]status.Node{
		"A": status.RejectedAlreadyBuilt,
		"B": status.Done,
		"C": status.DoneWithErrors,
	}
	if diff := cmp.Diff(want, out.Statuses); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if exec.ran("A") {
		t.Fatalf("reused node must not execute")
	}
	if exec.maxRunning != 2 {
		t.Fatalf("expected B and C in parallel, max running %d", exec.maxRunning)
	}
	if out.Records["A"].NoRebuildCause != "rec-A-old" || out.Records["A"].Result != status.NoRebuildRequired {
		t.Fatalf("unexpected reuse record %+v", out.Records["A"])
	}
	if out.Records["B"].DependencyRecords["A"] != "rec-A-old" {
		t.Fatalf("B should record reused dependency, got %+v", out.Records["B"].DependencyRecords)
	}
	recs, _ := store.ByRun(context.Background(), "run-1")
	if len(recs) != 3 {
		t.Fatalf("expected one record per node, got %d", len(recs))
	}
	wantB := []status.Node{status.Enqueued, status.Building, status.BuildCompleted, status.Done}
	if diff := cmp.Diff(wantB, events.Transitions("B")); diff != "" {
		t.Fatalf("B transitions mismatch (-want +got):\n%s", diff)
	}
	if out.Succeeded() {
		t.Fatalf("outcome with a failed node must not be successful")
	}
}

func TestFailureCascades(t *testing.T) {
	exec := newFakeExecutor()
	exec.behaviour["B"] = func(context.Context) phase.Set { return buildFailed() }
	s, _, _ := newScheduler(exec, 2)
	out, err := s.Run(context.Background(), Request{Configs: []graph.Config{
		cfg("A"), cfg("B", "A"), cfg("C", "B"), cfg("D", "C"), cfg("E", "A"),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := map[string]status.Node{
		"A": status.Done,
		"B": status.DoneWithErrors,
		"C": status.RejectedFailedDependencies,
		"D": status.RejectedFailedDependencies,
		"E": status.Done,
	}
	if diff := cmp.Diff(want, out.Statuses); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if exec.ran("C") || exec.ran("D") {
		t.Fatalf("rejected dependents must never execute")
	}
	if out.Reasons["C"] == "" || out.Reasons["D"] == "" {
		t.Fatalf("rejections need reasons: %+v", out.Reasons)
	}
}

func TestTopologicalAdmissionAndBound(t *testing.T) {
	exec := newFakeExecutor()
	for _, id := range []string{"A", "B", "C", "D", "E", "F"} {
		exec.behaviour[id] = func(context.Context) phase.Set {
			time.Sleep(5 * time.Millisecond)
			return succeeded()
		}
	}
	s, _, _ := newScheduler(exec, 2)
	out, err := s.Run(context.Background(), Request{Configs: []graph.Config{
		cfg("F", "D", "E"), cfg("D", "B", "C"), cfg("E", "C"), cfg("B", "A"), cfg("C", "A"), cfg("A"),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(exec.violations) > 0 {
		t.Fatalf("dependency order violated: %v", exec.violations)
	}
	if exec.maxRunning > 2 {
		t.Fatalf("pool bound exceeded: %d", exec.maxRunning)
	}
	if !out.Succeeded() {
		t.Fatalf("expected all nodes done: %+v", out.Statuses)
	}
}

func TestCycleRejectsMembersAndDependents(t *testing.T) {
	exec := newFakeExecutor()
	s, _, _ := newScheduler(exec, 2)
	out, err := s.Run(context.Background(), Request{Configs: []graph.Config{
		cfg("A", "B"), cfg("B", "A"), cfg("T", "A"), cfg("Z"),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Cycle == nil {
		t.Fatalf("expected cycle in outcome")
	}
	want := map[string]status.Node{
		"A": status.Rejected,
		"B": status.Rejected,
		"T": status.RejectedFailedDependencies,
		"Z": status.Done,
	}
	if diff := cmp.Diff(want, out.Statuses); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if len(out.Rejected) != 2 {
		t.Fatalf("expected two synchronous rejections, got %+v", out.Rejected)
	}
}

func TestCancelBuildingNode(t *testing.T) {
	exec := newFakeExecutor()
	exec.behaviour["A"] = func(ctx context.Context) phase.Set {
		<-ctx.Done()
		return cancelled()
	}
	s, _, _ := newScheduler(exec, 2)
	done := make(chan Outcome, 1)
	go func() {
		out, _ := s.Run(context.Background(), Request{Configs: []graph.Config{cfg("A"), cfg("B", "A")}})
		done <- out
	}()
	waitStarted(t, exec, "A")
	if err := s.Cancel(context.Background(), "A"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	out := <-done
	if out.Statuses["A"] != status.Cancelled {
		t.Fatalf("expected A cancelled, got %s", out.Statuses["A"])
	}
	if out.Statuses["B"] != status.RejectedFailedDependencies {
		t.Fatalf("expected B rejected, got %s", out.Statuses["B"])
	}
	if err := s.Cancel(context.Background(), "A"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after run, got %v", err)
	}
}

func TestCancelWaitingNodeCascades(t *testing.T) {
	exec := newFakeExecutor()
	release := make(chan struct{})
	exec.behaviour["A"] = func(context.Context) phase.Set {
		<-release
		return succeeded()
	}
	s, _, _ := newScheduler(exec, 2)
	done := make(chan Outcome, 1)
	go func() {
		out, _ := s.Run(context.Background(), Request{Configs: []graph.Config{cfg("A"), cfg("B", "A"), cfg("C", "B")}})
		done <- out
	}()
	waitStarted(t, exec, "A")
	if err := s.Cancel(context.Background(), "B"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)
	out := <-done
	want := map[string]status.Node{
		"A": status.Done,
		"B": status.Cancelled,
		"C": status.RejectedFailedDependencies,
	}
	if diff := cmp.Diff(want, out.Statuses); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateAcrossRunsRejected(t *testing.T) {
	exec := newFakeExecutor()
	release := make(chan struct{})
	exec.behaviour["A"] = func(context.Context) phase.Set {
		<-release
		return succeeded()
	}
	s, _, _ := newScheduler(exec, 4)
	first := make(chan Outcome, 1)
	go func() {
		out, _ := s.Run(context.Background(), Request{RunID: "first", Configs: []graph.Config{cfg("A")}})
		first <- out
	}()
	waitStarted(t, exec, "A")

	out, err := s.Run(context.Background(), Request{RunID: "second", Configs: []graph.Config{cfg("A"), cfg("D", "A")}})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out.Statuses["A"] != status.Rejected || out.Statuses["D"] != status.RejectedFailedDependencies {
		t.Fatalf("unexpected statuses %+v", out.Statuses)
	}
	if len(out.Rejected) != 1 || out.Rejected[0].NodeID != "A" {
		t.Fatalf("expected A rejected synchronously, got %+v", out.Rejected)
	}
	close(release)
	if res := <-first; res.Statuses["A"] != status.Done {
		t.Fatalf("first run should finish A, got %s", res.Statuses["A"])
	}
}

func TestPanicBecomesSystemError(t *testing.T) {
	exec := newFakeExecutor()
	exec.behaviour["A"] = func(context.Context) phase.Set { panic("driver exploded") }
	s, _, _ := newScheduler(exec, 1)
	out, err := s.Run(context.Background(), Request{Configs: []graph.Config{cfg("A"), cfg("B", "A"), cfg("Z")}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Statuses["A"] != status.SystemError || out.Statuses["B"] != status.RejectedFailedDependencies {
		t.Fatalf("unexpected statuses %+v", out.Statuses)
	}
	if out.Statuses["Z"] != status.Done {
		t.Fatalf("sibling must not be aborted, got %s", out.Statuses["Z"])
	}
	if _, ok := out.Records["A"]; !ok {
		t.Fatalf("system error still needs a record")
	}
}

func TestMissingConfigurationRejects(t *testing.T) {
	exec := newFakeExecutor()
	s, _, _ := newScheduler(exec, 1)
	out, err := s.Run(context.Background(), Request{
		Configs:  []graph.Config{cfg("A", "ghost"), cfg("B", "A")},
		Resolver: graph.NewCatalog(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Statuses["A"] != status.Rejected || out.Statuses["B"] != status.RejectedFailedDependencies {
		t.Fatalf("unexpected statuses %+v", out.Statuses)
	}
}

func TestRunContextCancellation(t *testing.T) {
	exec := newFakeExecutor()
	exec.behaviour["A"] = func(ctx context.Context) phase.Set {
		<-ctx.Done()
		return cancelled()
	}
	s, _, _ := newScheduler(exec, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		out, _ := s.Run(ctx, Request{Configs: []graph.Config{cfg("A"), cfg("B", "A"), cfg("C")}})
		done <- out
	}()
	waitStarted(t, exec, "A")
	cancel()
	out := <-done
	for id, st := range out.Statuses {
		if !st.IsFinal() || !st.HasFailed() {
			t.Fatalf("node %s should have failed after run cancel, got %s", id, st)
		}
	}
	if out.Statuses["A"] != status.Cancelled {
		t.Fatalf("building node should be cancelled, got %s", out.Statuses["A"])
	}
}

// flakyStore refuses to store records of the listed nodes.
type flakyStore struct {
	*record.MemoryStore
	fail map[string]bool
}

func (f *flakyStore) Create(ctx context.Context, rec record.Record) error {
	if f.fail[rec.NodeID] {
		return errors.New("db down")
	}
	return f.MemoryStore.Create(ctx, rec)
}

func TestUnstoredRecordFailsNode(t *testing.T) {
	exec := newFakeExecutor()
	exec.behaviour["F"] = func(context.Context) phase.Set { return buildFailed() }
	store := &flakyStore{MemoryStore: record.NewMemoryStore(), fail: map[string]bool{"A": true, "C": true}}
	s := New(Options{
		MaxConcurrent: 2,
		Decider:       &rebuild.Decider{Policy: rebuild.Explicit},
		Executor:      exec,
		Reconciler:    reconcile.New(store, nil),
	})
	out, err := s.Run(context.Background(), Request{Configs: []graph.Config{
		cfg("A"), cfg("B", "A"), cfg("Z"), cfg("F"), cfg("C", "F"),
	}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := map[string]status.Node{
		"A": status.SystemError,
		"B": status.RejectedFailedDependencies,
		"Z": status.Done,
		"F": status.DoneWithErrors,
		"C": status.RejectedFailedDependencies,
	}
	if diff := cmp.Diff(want, out.Statuses); diff != "" {
		t.Fatalf("statuses (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(out.Reasons["A"], "store record:") {
		t.Fatalf("unexpected reason for A: %q", out.Reasons["A"])
	}
	if exec.ran("B") {
		t.Fatalf("B must not build on an unstored record")
	}
	if diff := cmp.Diff([]string{"A", "C"}, out.Unrecorded); diff != "" {
		t.Fatalf("unrecorded (-want +got):\n%s", diff)
	}
	for _, id := range []string{"A", "C"} {
		if _, ok := out.Records[id]; ok {
			t.Fatalf("%s has no stored record and must not be reported", id)
		}
	}
	if _, err := store.Get(context.Background(), out.Records["B"].ID); err != nil {
		t.Fatalf("B's rejection record should be stored: %v", err)
	}
	if out.Succeeded() {
		t.Fatalf("run with unstored records must not succeed")
	}
}
