package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrDigestMismatch means a downloaded blob does not hash to its digest.
var ErrDigestMismatch = errors.New("blob digest mismatch")

// Fetch downloads the blob with the given digest into destPath. The file
// appears only once the download is complete; sha256 digests are verified.
func (r Registry) Fetch(ctx context.Context, digest, destPath string) error {
	if !r.Enabled() || digest == "" {
		return fmt.Errorf("missing base URL or digest")
	}
	resp, err := r.do(ctx, http.MethodGet, r.url("blobs", digest), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", digest, resp.StatusCode)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".fetch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	body := io.Reader(resp.Body)
	h, want := verifier(digest)
	if h != nil {
		body = io.TeeReader(resp.Body, h)
	}
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("fetch %s: %w", digest, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if h != nil {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return fmt.Errorf("%w: %s has sha256:%s", ErrDigestMismatch, digest, got)
		}
	}
	return os.Rename(tmp.Name(), destPath)
}

// verifier returns a hash for digests it can check, with the expected hex.
func verifier(digest string) (hash.Hash, string) {
	hexSum, ok := strings.CutPrefix(digest, "sha256:")
	if !ok || len(hexSum) != sha256.Size*2 {
		return nil, ""
	}
	if _, err := hex.DecodeString(hexSum); err != nil {
		return nil, ""
	}
	return sha256.New(), strings.ToLower(hexSum)
}
