package cas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// PushBlob uploads content under its digest and returns the blob URL.
func (r Registry) PushBlob(ctx context.Context, digest string, content []byte, mediaType string) (string, error) {
	if r.BaseURL == "" || digest == "" {
		return "", fmt.Errorf("missing base URL or digest")
	}
	initURL := fmt.Sprintf("%s/v2/%s/blobs/uploads/", strings.TrimRight(r.BaseURL, "/"), r.repo())
	initResp, err := r.do(ctx, http.MethodPost, initURL, nil, nil)
	if err != nil {
		return "", err
	}
	defer initResp.Body.Close()
	if initResp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("init upload status %d", initResp.StatusCode)
	}
	loc := initResp.Header.Get("Location")
	if loc == "" {
		return "", fmt.Errorf("upload location missing")
	}
	uploadURL := loc
	if strings.HasPrefix(loc, "/") {
		uploadURL = strings.TrimRight(r.BaseURL, "/") + loc
	}
	sep := "?"
	if strings.Contains(uploadURL, "?") {
		sep = "&"
	}
	header := http.Header{}
	if mediaType != "" {
		header.Set("Content-Type", mediaType)
	}
	putResp, err := r.do(ctx, http.MethodPut, uploadURL+sep+"digest="+digest, bytes.NewReader(content), header)
	if err != nil {
		return "", err
	}
	defer putResp.Body.Close()
	if putResp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("push status %d", putResp.StatusCode)
	}
	return r.url("blobs", digest), nil
}

// Descriptor references a blob from a manifest.
type Descriptor struct {
	MediaType   string            `json:"mediaType"`
	Digest      string            `json:"digest"`
	Size        int64             `json:"size"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	ArtifactType  string            `json:"artifactType,omitempty"`
	Config        Descriptor        `json:"config"`
	Layers        []Descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

const (
	manifestMediaType = "application/vnd.oci.image.manifest.v1+json"
	emptyConfigType   = "application/vnd.oci.empty.v1+json"
	emptyConfigDigest = "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
)

// PutManifest tags the given blobs as one artifact manifest.
func (r Registry) PutManifest(ctx context.Context, tag, artifactType string, layers []Descriptor, annotations map[string]string) error {
	if _, err := r.PushBlob(ctx, emptyConfigDigest, []byte("{}"), emptyConfigType); err != nil {
		return fmt.Errorf("push empty config: %w", err)
	}
	body, err := json.Marshal(manifest{
		SchemaVersion: 2,
		MediaType:     manifestMediaType,
		ArtifactType:  artifactType,
		Config:        Descriptor{MediaType: emptyConfigType, Digest: emptyConfigDigest, Size: 2},
		Layers:        layers,
		Annotations:   annotations,
	})
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", manifestMediaType)
	resp, err := r.do(ctx, http.MethodPut, r.url("manifests", tag), bytes.NewReader(body), header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("put manifest %s status %d", tag, resp.StatusCode)
	}
	return nil
}
