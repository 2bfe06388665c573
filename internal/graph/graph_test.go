package graph

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/project-ncl/pnc-sub011/internal/status"
)

func cfg(id string, deps ...string) Config {
	return Config{ID: id, Revision: 1, Dependencies: deps}
}

func TestBuildWiresInverseEdges(t *testing.T) {
	g, err := Build([]Config{cfg("A"), cfg("B", "A"), cfg("C", "A", "B")}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, n := range g.Nodes() {
		for dep := range n.Dependencies {
			depNode, _ := g.Node(dep)
			if _, ok := depNode.Dependents[n.ID]; !ok {
				t.Fatalf("%s depends on %s but is not listed as its dependent", n.ID, dep)
			}
		}
		for parent := range n.Dependents {
			p, _ := g.Node(parent)
			if _, ok := p.Dependencies[n.ID]; !ok {
				t.Fatalf("%s lists dependent %s that does not depend on it", n.ID, parent)
			}
		}
	}
	if diff := cmp.Diff([]string{"B", "C"}, g.Dependents("A")); diff != "" {
		t.Fatalf("dependents of A (-want +got):\n%s", diff)
	}
}

func TestBuildResolvesTransitiveDependencies(t *testing.T) {
	cat := NewCatalog(cfg("lib", "base"), cfg("base"))
	g, err := Build([]Config{cfg("app", "lib")}, cat)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 nodes, got %d", g.Len())
	}
	if deps := g.Dependencies("lib"); len(deps) != 1 || deps[0] != "base" {
		t.Fatalf("lib dependencies not wired: %v", deps)
	}
}

func TestBuildRejectsMissingConfiguration(t *testing.T) {
	g, err := Build([]Config{cfg("app", "ghost")}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	n, _ := g.Node("app")
	if n.Status != status.Rejected {
		t.Fatalf("expected REJECTED, got %s", n.Status)
	}
	if n.Reason == "" {
		t.Fatalf("expected a rejection reason")
	}
}

func TestBuildReportsDuplicates(t *testing.T) {
	g, err := Build([]Config{cfg("A"), cfg("A")}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if g.Len() != 1 || len(g.Duplicates()) != 1 {
		t.Fatalf("expected one node and one duplicate, got %d/%d", g.Len(), len(g.Duplicates()))
	}
}

func TestBuildReturnsCycleError(t *testing.T) {
	g, err := Build([]Config{cfg("A", "B"), cfg("B", "A"), cfg("C", "A")}, nil)
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if g == nil {
		t.Fatalf("graph must be returned alongside cycle error")
	}
	if diff := cmp.Diff([]string{"A", "B"}, cycleErr.Members()); diff != "" {
		t.Fatalf("cycle members (-want +got):\n%s", diff)
	}
}

func TestFindCyclesEmptyForDAG(t *testing.T) {
	g, err := Build([]Config{cfg("A"), cfg("B", "A"), cfg("C", "B"), cfg("D", "A", "C")}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if edges := g.FindCycles(); len(edges) != 0 {
		t.Fatalf("expected no cycle edges, got %v", edges)
	}
}

func TestFindCyclesSelfDependency(t *testing.T) {
	g, err := Build([]Config{cfg("A", "A")}, nil)
	if err == nil {
		t.Fatalf("expected self dependency to be reported as cycle")
	}
	if diff := cmp.Diff([]Edge{{From: "A", To: "A"}}, g.FindCycles()); diff != "" {
		t.Fatalf("self cycle (-want +got):\n%s", diff)
	}
}

func TestFindCyclesRemovingAnyEdgeBreaksCycle(t *testing.T) {
	configs := []Config{
		cfg("root"),
		cfg("A", "B", "root"),
		cfg("B", "C"),
		cfg("C", "A"),
		cfg("top", "A"),
	}
	g, _ := Build(configs, nil)
	edges := g.FindCycles()
	if len(edges) != 3 {
		t.Fatalf("expected 3 cycle edges, got %v", edges)
	}
	for _, drop := range edges {
		var reduced []Config
		for _, c := range configs {
			var deps []string
			for _, d := range c.Dependencies {
				if c.ID == drop.From && d == drop.To {
					continue
				}
				deps = append(deps, d)
			}
			c.Dependencies = deps
			reduced = append(reduced, c)
		}
		rg, err := Build(reduced, nil)
		if err != nil {
			t.Fatalf("dropping %s should make graph acyclic: %v", drop, err)
		}
		if left := rg.FindCycles(); len(left) != 0 {
			t.Fatalf("dropping %s left cycle edges %v", drop, left)
		}
	}
}

func TestTransitionRejectsLeavingTerminal(t *testing.T) {
	g, _ := Build([]Config{cfg("A")}, nil)
	if _, err := g.Transition("A", status.Enqueued, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := g.Transition("A", status.Building, ""); err != nil {
		t.Fatalf("building: %v", err)
	}
	n, _ := g.Node("A")
	if n.StartTime.IsZero() {
		t.Fatalf("start time not recorded")
	}
	if _, err := g.Transition("A", status.Cancelled, "stop"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := g.Transition("A", status.Building, ""); err == nil {
		t.Fatalf("expected terminal state to be absorbing")
	}
	if _, err := g.Transition("missing", status.Done, ""); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if !g.Drained() {
		t.Fatalf("graph should be drained")
	}
}

func TestCatalogLoadConfigDir(t *testing.T) {
	dir := t.TempDir()
	content := `
- id: lib
  revision: 3
  dependencies: [base]
  options:
    temporary: true
    alignment_preference: PREFER_TEMPORARY
- id: base
  revision: 1
- id: ""
  revision: 1
`
	if err := os.WriteFile(filepath.Join(dir, "configs.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	cat := NewCatalog()
	res, err := cat.LoadConfigDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if res.Files != 1 || res.Loaded != 2 || res.Skipped != 1 {
		t.Fatalf("unexpected load result: %+v", res)
	}
	lib, ok := cat.Resolve("lib")
	if !ok {
		t.Fatalf("lib not loaded")
	}
	if !lib.Options.Temporary || lib.Options.Alignment != PreferTemporary || lib.Revision != 3 {
		t.Fatalf("lib decoded incorrectly: %+v", lib)
	}
	if res, err := cat.LoadConfigDir(filepath.Join(dir, "missing")); err != nil || res.Files != 0 {
		t.Fatalf("missing dir should be ignored: %+v %v", res, err)
	}
}
