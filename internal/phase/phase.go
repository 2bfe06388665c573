// Package phase defines the results reported by external build phase
// drivers and the start/wait/cancel contract those drivers implement.
package phase

import (
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// Kind names a pipeline phase.
type Kind string

const (
	Alignment   Kind = "alignment"
	Environment Kind = "environment"
	Build       Kind = "build"
	Promotion   Kind = "promotion"
)

// Required lists the phases whose results a successful build must carry, in
// execution order.
var Required = []Kind{Alignment, Environment, Build, Promotion}

// Result is implemented by the four phase result types.
type Result interface {
	Phase() Kind
	Completion() status.Result
	Summary() string
}

// Common carries the fields shared by every phase result.
type Common struct {
	Status    status.Result `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	EndedAt   time.Time     `json:"ended_at,omitempty"`
}

func (c Common) Completion() status.Result { return c.Status }
func (c Common) Summary() string           { return c.Reason }

// AlignmentResult is produced by source alignment.
type AlignmentResult struct {
	Common
	SCMURL      string              `json:"scm_url,omitempty"`
	SCMRevision string              `json:"scm_revision,omitempty"`
	SCMTag      string              `json:"scm_tag,omitempty"`
	Consumed    []artifact.Artifact `json:"consumed,omitempty"`
	Log         string              `json:"log,omitempty"`
}

func (AlignmentResult) Phase() Kind { return Alignment }

// EnvironmentResult is produced by environment acquisition.
type EnvironmentResult struct {
	Common
	SessionID string `json:"session_id,omitempty"`
	Image     string `json:"image,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

func (EnvironmentResult) Phase() Kind { return Environment }

// BuildResult is produced by build execution.
type BuildResult struct {
	Common
	Log      string              `json:"log,omitempty"`
	LogURL   string              `json:"log_url,omitempty"`
	Outputs  []artifact.Artifact `json:"outputs,omitempty"`
	Consumed []artifact.Artifact `json:"consumed,omitempty"`
	Duration time.Duration       `json:"duration,omitempty"`
}

func (BuildResult) Phase() Kind { return Build }

// PromotionResult is produced by the repository manager after collecting
// and promoting build outputs.
type PromotionResult struct {
	Common
	Produced     []artifact.Artifact `json:"produced,omitempty"`
	Consumed     []artifact.Artifact `json:"consumed,omitempty"`
	PromotionTag string              `json:"promotion_tag,omitempty"`
}

func (PromotionResult) Phase() Kind { return Promotion }

// Set holds at most one result per phase. It is the serialised form kept on
// terminal records.
type Set struct {
	Alignment   *AlignmentResult   `json:"alignment,omitempty"`
	Environment *EnvironmentResult `json:"environment,omitempty"`
	Build       *BuildResult       `json:"build,omitempty"`
	Promotion   *PromotionResult   `json:"promotion,omitempty"`
}

// Add stores r in its slot. Results are write-once; a second result for the
// same phase is ignored and false is returned.
func (s *Set) Add(r Result) bool {
	switch v := r.(type) {
	case AlignmentResult:
		if s.Alignment != nil {
			return false
		}
		s.Alignment = &v
	case EnvironmentResult:
		if s.Environment != nil {
			return false
		}
		s.Environment = &v
	case BuildResult:
		if s.Build != nil {
			return false
		}
		s.Build = &v
	case PromotionResult:
		if s.Promotion != nil {
			return false
		}
		s.Promotion = &v
	default:
		return false
	}
	return true
}

// Get returns the result for kind, if present.
func (s Set) Get(kind Kind) (Result, bool) {
	switch kind {
	case Alignment:
		if s.Alignment != nil {
			return *s.Alignment, true
		}
	case Environment:
		if s.Environment != nil {
			return *s.Environment, true
		}
	case Build:
		if s.Build != nil {
			return *s.Build, true
		}
	case Promotion:
		if s.Promotion != nil {
			return *s.Promotion, true
		}
	}
	return nil, false
}

// All returns the present results in phase order.
func (s Set) All() []Result {
	var out []Result
	for _, k := range Required {
		if r, ok := s.Get(k); ok {
			out = append(out, r)
		}
	}
	return out
}
