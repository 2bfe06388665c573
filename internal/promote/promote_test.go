package promote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/cas"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/index"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

type fakePusher struct {
	blobs     map[string][]byte
	tags      map[string][]cas.Descriptor
	failBlobs bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{blobs: map[string][]byte{}, tags: map[string][]cas.Descriptor{}}
}

func (f *fakePusher) PushBlob(_ context.Context, digest string, content []byte, _ string) (string, error) {
	if f.failBlobs {
		return "", errors.New("registry unavailable")
	}
	f.blobs[digest] = content
	return f.BlobURL(digest), nil
}

func (f *fakePusher) PutManifest(_ context.Context, tag, _ string, layers []cas.Descriptor, _ map[string]string) error {
	f.tags[tag] = layers
	return nil
}

func (f *fakePusher) BlobURL(digest string) string { return "oci://artifacts/" + digest }

func output(t *testing.T, dir, name, body string) artifact.Artifact {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	digest := artifact.ContentDigest([]byte(body))
	return artifact.Artifact{
		ID:         artifact.ComputeID(name+":1", digest),
		Identifier: name + ":1",
		Name:       name,
		Version:    "1",
		Digest:     digest,
		Quality:    artifact.QualityNew,
		Path:       path,
		Size:       int64(len(body)),
	}
}

func request(temporary bool, outs ...artifact.Artifact) phase.Request {
	return phase.Request{
		RunID:  "r1",
		NodeID: "a",
		Config: graph.Config{ID: "a", Revision: 1, Options: graph.Options{Temporary: temporary}},
		Build:  &phase.BuildResult{Outputs: outs, Consumed: []artifact.Artifact{{ID: "dep"}}},
	}
}

func TestPromotePushesAndTags(t *testing.T) {
	dir := t.TempDir()
	out := output(t, dir, "app.jar", "jar bytes")
	pusher := newFakePusher()
	idx := index.NewMemoryIndex()
	p := &Promoter{Pusher: pusher, Index: idx}

	res, err := p.promote(context.Background(), request(false, out))
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	pr := res.(phase.PromotionResult)
	if pr.Status != status.Success {
		t.Fatalf("expected success, got %s (%s)", pr.Status, pr.Reason)
	}
	if pr.PromotionTag != "a-r1" {
		t.Fatalf("unexpected tag %q", pr.PromotionTag)
	}
	if len(pusher.tags["a-r1"]) != 1 || pusher.tags["a-r1"][0].Digest != out.Digest {
		t.Fatalf("manifest layers not recorded: %v", pusher.tags)
	}
	if string(pusher.blobs[out.Digest]) != "jar bytes" {
		t.Fatalf("blob not pushed")
	}
	if len(pr.Produced) != 1 || pr.Produced[0].Path != "oci://artifacts/"+out.Digest {
		t.Fatalf("unexpected produced %+v", pr.Produced)
	}
	if len(pr.Consumed) != 1 {
		t.Fatalf("consumed not carried over")
	}
	latest, ok, err := idx.Latest(context.Background(), "app.jar")
	if err != nil || !ok || latest.ID != out.ID {
		t.Fatalf("index not updated: %+v %v %v", latest, ok, err)
	}
}

func TestPromoteSkipsKnownBlobs(t *testing.T) {
	dir := t.TempDir()
	out := output(t, dir, "app.jar", "jar bytes")
	blobs := cas.NewMemoryStore()
	blobs.Add(out.Digest)
	pusher := newFakePusher()
	p := &Promoter{Pusher: pusher, Blobs: blobs}

	res, err := p.promote(context.Background(), request(false, out))
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if res.Completion() != status.Success {
		t.Fatalf("expected success, got %s", res.Completion())
	}
	if len(pusher.blobs) != 0 {
		t.Fatalf("known blob was pushed again")
	}
}

func TestPromoteTemporaryQuality(t *testing.T) {
	dir := t.TempDir()
	out := output(t, dir, "app.jar", "tmp")
	idx := index.NewMemoryIndex()
	p := &Promoter{Index: idx}

	res, err := p.promote(context.Background(), request(true, out))
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	pr := res.(phase.PromotionResult)
	if pr.Produced[0].Quality != artifact.QualityTemporary {
		t.Fatalf("expected TEMPORARY quality, got %s", pr.Produced[0].Quality)
	}
	if pr.PromotionTag != "" {
		t.Fatalf("no tag expected without a registry")
	}
	if _, ok, _ := idx.Latest(context.Background(), "app.jar"); ok {
		t.Fatalf("temporary artifacts must not become the latest version")
	}
}

func TestPromotePushFailure(t *testing.T) {
	dir := t.TempDir()
	out := output(t, dir, "app.jar", "jar")
	pusher := newFakePusher()
	pusher.failBlobs = true
	p := &Promoter{Pusher: pusher}

	res, err := p.promote(context.Background(), request(false, out))
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if res.Completion() != status.ResultSystemError {
		t.Fatalf("expected SYSTEM_ERROR, got %s", res.Completion())
	}
}

func TestPromoteDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	out := output(t, dir, "app.jar", "jar")
	out.Digest = artifact.ContentDigest([]byte("other"))
	p := &Promoter{Pusher: newFakePusher()}

	res, _ := p.promote(context.Background(), request(false, out))
	if res.Completion() != status.ResultSystemError {
		t.Fatalf("expected SYSTEM_ERROR on digest mismatch, got %s", res.Completion())
	}
}

func TestPromoteWithoutBuild(t *testing.T) {
	p := &Promoter{}
	res, _ := p.promote(context.Background(), phase.Request{})
	if res.Completion() != status.ResultSystemError {
		t.Fatalf("expected SYSTEM_ERROR, got %s", res.Completion())
	}
}

func TestTagSanitizes(t *testing.T) {
	if got := Tag("run:1", "org/app"); got != "org_app-run_1" {
		t.Fatalf("unexpected tag %q", got)
	}
}
