package cas

import (
	"context"
	"fmt"
	"net/http"
)

// Has reports whether the blob digest exists in the repository.
func (r Registry) Has(ctx context.Context, digest string) (bool, error) {
	if r.BaseURL == "" || digest == "" {
		return false, nil
	}
	return r.head(ctx, r.url("blobs", digest))
}

// HasManifest reports whether the tag or manifest digest exists.
func (r Registry) HasManifest(ctx context.Context, ref string) (bool, error) {
	if r.BaseURL == "" || ref == "" {
		return false, nil
	}
	return r.head(ctx, r.url("manifests", ref))
}

func (r Registry) head(ctx context.Context, url string) (bool, error) {
	header := http.Header{}
	header.Set("Accept", manifestMediaType)
	resp, err := r.do(ctx, http.MethodHead, url, nil, header)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("registry unexpected status %d for %s", resp.StatusCode, url)
	}
}
