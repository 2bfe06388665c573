package graph

import (
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
)

// AlignmentPreference selects which dependency versions alignment prefers.
type AlignmentPreference string

const (
	PreferPersistent AlignmentPreference = "PREFER_PERSISTENT"
	PreferTemporary  AlignmentPreference = "PREFER_TEMPORARY"
)

// Options are per-configuration build options.
type Options struct {
	Temporary               bool                `json:"temporary,omitempty" yaml:"temporary,omitempty"`
	Alignment               AlignmentPreference `json:"alignment_preference,omitempty" yaml:"alignment_preference,omitempty"`
	ImplicitDependencyCheck bool                `json:"implicit_dependency_check,omitempty" yaml:"implicit_dependency_check,omitempty"`
}

// PriorBuild describes the last successful build of a configuration.
type PriorBuild struct {
	RecordID            string              `json:"record_id" yaml:"record_id"`
	Revision            int                 `json:"revision" yaml:"revision"`
	DependencyRevisions map[string]int      `json:"dependency_revisions,omitempty" yaml:"dependency_revisions,omitempty"`
	DependencyRecords   map[string]string   `json:"dependency_records,omitempty" yaml:"dependency_records,omitempty"`
	Consumed            []artifact.Artifact `json:"consumed,omitempty" yaml:"consumed,omitempty"`
	Produced            []artifact.Artifact `json:"produced,omitempty" yaml:"produced,omitempty"`
	Temporary           bool                `json:"temporary,omitempty" yaml:"temporary,omitempty"`
	CompletedAt         time.Time           `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// Config is an immutable, revision-pinned build configuration snapshot.
type Config struct {
	ID           string      `json:"id" yaml:"id"`
	Name         string      `json:"name,omitempty" yaml:"name,omitempty"`
	Revision     int         `json:"revision" yaml:"revision"`
	Dependencies []string    `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Options      Options     `json:"options,omitempty" yaml:"options,omitempty"`
	SCMURL       string      `json:"scm_url,omitempty" yaml:"scm_url,omitempty"`
	SCMRevision  string      `json:"scm_revision,omitempty" yaml:"scm_revision,omitempty"`
	BuildScript  string      `json:"build_script,omitempty" yaml:"build_script,omitempty"`
	Image        string      `json:"image,omitempty" yaml:"image,omitempty"`
	LastSuccess  *PriorBuild `json:"last_success,omitempty" yaml:"last_success,omitempty"`
}

// Resolver supplies configurations referenced as dependencies but absent
// from the request.
type Resolver interface {
	Resolve(id string) (Config, bool)
}
