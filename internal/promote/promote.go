// Package promote implements the artifact promotion phase: build outputs are
// pushed to the OCI registry, tagged as one manifest per build, and recorded
// in the artifact version index.
package promote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/cas"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

const (
	ArtifactType  = "application/vnd.pnc.build.v1+json"
	blobMediaType = "application/octet-stream"
	titleKey      = "org.opencontainers.image.title"
)

// Pusher uploads blobs and tags manifests; cas.Registry implements it.
type Pusher interface {
	PushBlob(ctx context.Context, digest string, content []byte, mediaType string) (string, error)
	PutManifest(ctx context.Context, tag, artifactType string, layers []cas.Descriptor, annotations map[string]string) error
}

// Index receives the promoted versions.
type Index interface {
	Record(ctx context.Context, arts ...artifact.Artifact) error
}

// Promoter is the promotion phase driver. A nil Pusher promotes in place:
// outputs get their repository quality but nothing is uploaded.
type Promoter struct {
	Pusher Pusher
	Blobs  cas.Store
	Index  Index
	Logger *slog.Logger
}

// Driver returns the promotion driver.
func (p *Promoter) Driver() phase.Driver { return phase.DriverFunc(p.promote) }

func (p *Promoter) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Tag is the manifest tag under which a build's outputs are promoted.
func Tag(runID, nodeID string) string {
	tag := sanitize(nodeID) + "-" + sanitize(runID)
	if len(tag) > 128 {
		tag = tag[:128]
	}
	return tag
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}

func (p *Promoter) promote(ctx context.Context, req phase.Request) (phase.Result, error) {
	started := time.Now().UTC()
	res := phase.PromotionResult{}
	done := func(st status.Result, reason string) (phase.Result, error) {
		res.Common = phase.Common{Status: st, Reason: reason, StartedAt: started, EndedAt: time.Now().UTC()}
		return res, nil
	}
	if req.Build == nil {
		return done(status.ResultSystemError, "no build result to promote")
	}
	temporary := req.Config.Options.Temporary
	res.Consumed = req.Build.Consumed

	produced := make([]artifact.Artifact, 0, len(req.Build.Outputs))
	layers := make([]cas.Descriptor, 0, len(req.Build.Outputs))
	for _, out := range req.Build.Outputs {
		a := out.WithQuality(artifact.Expected(temporary))
		if p.Pusher != nil {
			url, err := p.push(ctx, a)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return done(status.ResultSystemError, fmt.Sprintf("push %s: %v", a.Key(), err))
			}
			a.Path = url
			layers = append(layers, cas.Descriptor{
				MediaType:   blobMediaType,
				Digest:      a.Digest,
				Size:        a.Size,
				Annotations: map[string]string{titleKey: a.Name},
			})
		}
		produced = append(produced, a)
	}
	res.Produced = produced

	if p.Pusher != nil {
		tag := Tag(req.RunID, req.NodeID)
		annotations := map[string]string{
			"org.pnc.config.id":       req.Config.ID,
			"org.pnc.config.revision": strconv.Itoa(req.Config.Revision),
			"org.pnc.temporary":       strconv.FormatBool(temporary),
			"org.pnc.run.id":          req.RunID,
		}
		if err := p.Pusher.PutManifest(ctx, tag, ArtifactType, layers, annotations); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return done(status.ResultSystemError, fmt.Sprintf("tag %s: %v", tag, err))
		}
		res.PromotionTag = tag
	}

	if p.Index != nil && !temporary && len(produced) > 0 {
		if err := p.Index.Record(ctx, produced...); err != nil {
			p.logger().Warn("artifact index update failed", "node", req.NodeID, "error", err)
		}
	}
	return done(status.Success, "")
}

func (p *Promoter) push(ctx context.Context, a artifact.Artifact) (string, error) {
	if p.Blobs != nil {
		ok, err := p.Blobs.Has(ctx, a.Digest)
		if err != nil {
			p.logger().Warn("blob presence check failed", "digest", a.Digest, "error", err)
		}
		if ok {
			return blobURL(p.Pusher, a), nil
		}
	}
	if a.Path == "" {
		return "", fmt.Errorf("artifact has no local content")
	}
	content, err := os.ReadFile(a.Path)
	if err != nil {
		return "", err
	}
	if got := artifact.ContentDigest(content); a.Digest != "" && got != a.Digest {
		return "", fmt.Errorf("content digest %s does not match %s", got, a.Digest)
	}
	return p.Pusher.PushBlob(ctx, a.Digest, content, blobMediaType)
}

type blobLocator interface {
	BlobURL(digest string) string
}

func blobURL(p Pusher, a artifact.Artifact) string {
	if l, ok := p.(blobLocator); ok {
		return l.BlobURL(a.Digest)
	}
	return a.Path
}
