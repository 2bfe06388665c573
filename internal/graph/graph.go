package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/status"
)

// ErrUnknownNode is returned for lookups of ids not present in the graph.
var ErrUnknownNode = errors.New("unknown node")

// Node is one unit of requested build work.
type Node struct {
	ID             string
	Config         Config
	Dependencies   map[string]struct{}
	Dependents     map[string]struct{}
	Status         status.Node
	Reason         string
	SubmitTime     time.Time
	StartTime      time.Time
	EndTime        time.Time
	NoRebuildCause string
	RecordID       string
}

// Edge is a dependency edge: From depends on To.
type Edge struct {
	From string
	To   string
}

func (e Edge) String() string { return e.From + " -> " + e.To }

// CycleError reports the edges among nodes that take part in cycles.
type CycleError struct {
	Edges []Edge
}

func (e *CycleError) Error() string {
	parts := make([]string, 0, len(e.Edges))
	for _, edge := range e.Edges {
		parts = append(parts, edge.String())
	}
	return "dependency cycle detected: " + strings.Join(parts, ", ")
}

// Members returns the sorted ids of nodes involved in a cycle.
func (e *CycleError) Members() []string {
	set := map[string]struct{}{}
	for _, edge := range e.Edges {
		set[edge.From] = struct{}{}
		set[edge.To] = struct{}{}
	}
	return sortedKeys(set)
}

// Graph is an identity-addressed arena of build nodes. It is owned by one
// orchestration run and must only be mutated from its coordinating goroutine.
type Graph struct {
	nodes      map[string]*Node
	order      []string
	duplicates []Config
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// Build constructs the graph for the requested configurations plus every
// transitive dependency the resolver can supply. A dependency that cannot be
// resolved rejects its dependent. Repeated ids in the request keep the first
// occurrence; later ones are reported by Duplicates. When the graph has
// cycles the graph is still returned together with a *CycleError.
func Build(configs []Config, resolver Resolver) (*Graph, error) {
	g := New()
	now := time.Now().UTC()
	pending := make([]Config, 0, len(configs))
	for _, cfg := range configs {
		if strings.TrimSpace(cfg.ID) == "" {
			return nil, fmt.Errorf("configuration without id (name=%q)", cfg.Name)
		}
		if _, ok := g.nodes[cfg.ID]; ok {
			g.duplicates = append(g.duplicates, cfg)
			continue
		}
		g.add(cfg, now)
		pending = append(pending, cfg)
	}

	missing := map[string][]string{}
	for len(pending) > 0 {
		cfg := pending[0]
		pending = pending[1:]
		for _, dep := range cfg.Dependencies {
			if _, ok := g.nodes[dep]; ok {
				continue
			}
			if resolver != nil {
				if depCfg, ok := resolver.Resolve(dep); ok && depCfg.ID == dep {
					g.add(depCfg, now)
					pending = append(pending, depCfg)
					continue
				}
			}
			missing[cfg.ID] = append(missing[cfg.ID], dep)
		}
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.Config.Dependencies {
			depNode, ok := g.nodes[dep]
			if !ok {
				continue
			}
			n.Dependencies[dep] = struct{}{}
			depNode.Dependents[id] = struct{}{}
		}
	}

	for id, deps := range missing {
		sort.Strings(deps)
		n := g.nodes[id]
		n.Status = status.Rejected
		n.Reason = fmt.Sprintf("configuration missing for dependencies: %s", strings.Join(deps, ", "))
		n.EndTime = now
	}

	if edges := g.FindCycles(); len(edges) > 0 {
		return g, &CycleError{Edges: edges}
	}
	return g, nil
}

func (g *Graph) add(cfg Config, now time.Time) {
	g.nodes[cfg.ID] = &Node{
		ID:           cfg.ID,
		Config:       cfg,
		Dependencies: make(map[string]struct{}),
		Dependents:   make(map[string]struct{}),
		Status:       status.New,
		SubmitTime:   now,
	}
	g.order = append(g.order, cfg.ID)
}

// Duplicates returns request entries dropped because their id repeated.
func (g *Graph) Duplicates() []Config {
	return append([]Config(nil), g.duplicates...)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependencies returns the sorted dependency ids of a node.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return sortedKeys(n.Dependencies)
}

// Dependents returns the sorted dependent ids of a node.
func (g *Graph) Dependents(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return sortedKeys(n.Dependents)
}

// Transition moves a node to a new status and returns the previous one.
func (g *Graph) Transition(id string, to status.Node, reason string) (status.Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	from := n.Status
	if !status.CanTransition(from, to) {
		return from, fmt.Errorf("invalid transition for %s: %s -> %s", id, from, to)
	}
	n.Status = to
	if reason != "" {
		n.Reason = reason
	}
	now := time.Now().UTC()
	if to == status.Building && n.StartTime.IsZero() {
		n.StartTime = now
	}
	if to.IsFinal() {
		n.EndTime = now
	}
	return from, nil
}

// Drained reports whether every node has reached a terminal status.
func (g *Graph) Drained() bool {
	for _, n := range g.nodes {
		if !n.Status.IsFinal() {
			return false
		}
	}
	return true
}

// FindCycles returns the edges among nodes that take part in cycles.
//
// Nodes whose dependencies are all resolved are peeled off repeatedly, the
// reverse map carrying each node's parents. The residue is then peeled from
// the other side, dropping nodes no remaining node depends on. Whatever is
// left lies on a cycle. The result says nothing about cycle order.
func (g *Graph) FindCycles() []Edge {
	removed := make(map[string]bool, len(g.nodes))
	unresolved := make(map[string]int, len(g.nodes))
	queue := make([]string, 0, len(g.nodes))
	for _, id := range g.order {
		unresolved[id] = len(g.nodes[id].Dependencies)
		if unresolved[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed[id] = true
		for parent := range g.nodes[id].Dependents {
			if removed[parent] {
				continue
			}
			unresolved[parent]--
			if unresolved[parent] == 0 {
				queue = append(queue, parent)
			}
		}
	}

	incoming := make(map[string]int)
	for _, id := range g.order {
		if removed[id] {
			continue
		}
		for parent := range g.nodes[id].Dependents {
			if !removed[parent] {
				incoming[id]++
			}
		}
		if incoming[id] == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		removed[id] = true
		for dep := range g.nodes[id].Dependencies {
			if removed[dep] {
				continue
			}
			incoming[dep]--
			if incoming[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	var edges []Edge
	for _, id := range g.order {
		if removed[id] {
			continue
		}
		for dep := range g.nodes[id].Dependencies {
			if !removed[dep] {
				edges = append(edges, Edge{From: id, To: dep})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
