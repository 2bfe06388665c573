package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Quality is the repository quality level attached to a stored artifact.
type Quality string

const (
	QualityNew         Quality = "NEW"
	QualityVerified    Quality = "VERIFIED"
	QualityTested      Quality = "TESTED"
	QualityDeprecated  Quality = "DEPRECATED"
	QualityBlacklisted Quality = "BLACKLISTED"
	QualityTemporary   Quality = "TEMPORARY"
	QualityDeleted     Quality = "DELETED"
)

// Artifact is a built or consumed binary known to the repository manager.
type Artifact struct {
	ID         string  `json:"id" yaml:"id"`
	Identifier string  `json:"identifier" yaml:"identifier"` // group:name:type:version
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`
	Version    string  `json:"version,omitempty" yaml:"version,omitempty"`
	Digest     string  `json:"digest,omitempty" yaml:"digest,omitempty"`
	Quality    Quality `json:"quality,omitempty" yaml:"quality,omitempty"`
	Path       string  `json:"path,omitempty" yaml:"path,omitempty"` // object key / repository path
	Size       int64   `json:"size,omitempty" yaml:"size,omitempty"`
}

// Key identifies an artifact across versions; the version index is keyed by it.
func (a Artifact) Key() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Identifier
}

// WithQuality returns a copy with the quality replaced.
func (a Artifact) WithQuality(q Quality) Artifact {
	a.Quality = q
	return a
}

// Expected returns the quality a freshly produced artifact must carry for
// the given build classification.
func Expected(temporary bool) Quality {
	if temporary {
		return QualityTemporary
	}
	return QualityNew
}

// Consistent reports whether q is allowed for a build of the given classification.
func Consistent(q Quality, temporary bool) bool {
	if temporary {
		return q == QualityTemporary
	}
	return q != QualityTemporary
}

type idKey struct {
	Identifier string `json:"identifier"`
	Digest     string `json:"digest"`
}

// ComputeID derives the stable artifact id from its coordinates and content digest.
func ComputeID(identifier, digest string) string {
	return digestStruct(idKey{Identifier: identifier, Digest: digest})
}

// ContentDigest hashes raw artifact content.
func ContentDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Dedup returns the artifacts with duplicate ids removed, ordered by id.
func Dedup(in []Artifact) []Artifact {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]Artifact, len(in))
	for _, a := range in {
		if _, ok := seen[a.ID]; !ok {
			seen[a.ID] = a
		}
	}
	out := make([]Artifact, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func digestStruct(v any) string {
	b, _ := json.Marshal(v)
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}
