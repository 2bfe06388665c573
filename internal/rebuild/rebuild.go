// Package rebuild decides whether a node's last successful build can be
// reused instead of building it again.
package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// Policy is a rebuild tier. Each tier checks everything the previous one does.
type Policy string

const (
	Explicit Policy = "EXPLICIT"
	Implicit Policy = "IMPLICIT"
	Force    Policy = "FORCE"
)

// ParsePolicy accepts a policy name in any case; empty means Implicit.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(Implicit):
		return Implicit, nil
	case string(Explicit):
		return Explicit, nil
	case string(Force):
		return Force, nil
	default:
		return "", fmt.Errorf("unknown rebuild policy %q", s)
	}
}

// ArtifactIndex answers which version of an artifact is the newest one known.
type ArtifactIndex interface {
	Latest(ctx context.Context, key string) (artifact.Artifact, bool, error)
}

// Dependency is the outcome of a direct dependency as seen at decision time.
type Dependency struct {
	ID       string
	Revision int
	Status   status.Node
	// RecordID is the dependency's current successful record: the record
	// just produced when it was rebuilt, or the reused one otherwise.
	RecordID string
	Rebuilt  bool
}

// Decision is the outcome of a rebuild check.
type Decision struct {
	Rebuild bool
	Reason  string
	// Cause is the reused record id when Rebuild is false.
	Cause string
}

// Decider evaluates the rebuild policy for a node.
type Decider struct {
	Policy Policy
	Index  ArtifactIndex
	Logger *slog.Logger
}

func (d *Decider) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func rebuild(format string, args ...any) Decision {
	return Decision{Rebuild: true, Reason: fmt.Sprintf(format, args...)}
}

// RequiresRebuild reports whether n must be built. deps holds the state of
// n's direct dependencies, all of which are terminal and not failed.
func (d *Decider) RequiresRebuild(ctx context.Context, n *graph.Node, deps []Dependency) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	policy := d.Policy
	if policy == "" {
		policy = Implicit
	}
	if policy == Force {
		return rebuild("rebuild forced"), nil
	}

	cfg := n.Config
	prior := cfg.LastSuccess
	if prior == nil || prior.RecordID == "" {
		return rebuild("no previous successful build"), nil
	}
	if prior.Temporary && !cfg.Options.Temporary {
		return rebuild("previous build %s was temporary", prior.RecordID), nil
	}
	if prior.Revision != cfg.Revision {
		return rebuild("configuration revision changed %d -> %d", prior.Revision, cfg.Revision), nil
	}

	byID := make(map[string]Dependency, len(deps))
	for _, dep := range deps {
		byID[dep.ID] = dep
	}
	for _, id := range cfg.Dependencies {
		dep, ok := byID[id]
		if !ok {
			return rebuild("state of dependency %s unknown", id), nil
		}
		if rev, ok := prior.DependencyRevisions[id]; !ok || rev != dep.Revision {
			return rebuild("dependency %s configuration changed", id), nil
		}
		if dep.Rebuilt {
			return rebuild("dependency %s was rebuilt", id), nil
		}
		if dep.RecordID != "" && dep.RecordID != prior.DependencyRecords[id] {
			return rebuild("dependency %s has a newer successful build %s", id, dep.RecordID), nil
		}
	}

	if policy == Implicit && cfg.Options.ImplicitDependencyCheck {
		if dec, ok := d.checkConsumed(ctx, n.ID, prior.Consumed); ok {
			return dec, nil
		}
	}
	return Decision{Reason: "no changes since build " + prior.RecordID, Cause: prior.RecordID}, nil
}

func (d *Decider) checkConsumed(ctx context.Context, nodeID string, consumed []artifact.Artifact) (Decision, bool) {
	if d.Index == nil {
		return Decision{}, false
	}
	for _, a := range consumed {
		latest, ok, err := d.Index.Latest(ctx, a.Key())
		if err != nil {
			d.logger().Warn("artifact index lookup failed; rebuilding", "node", nodeID, "artifact", a.Key(), "error", err)
			return rebuild("artifact index unavailable for %s", a.Key()), true
		}
		if ok && latest.ID != a.ID {
			return rebuild("newer version of %s available (%s)", a.Key(), latest.Version), true
		}
	}
	return Decision{}, false
}
