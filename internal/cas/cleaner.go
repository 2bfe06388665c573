package cas

import (
	"context"
	"fmt"
	"net/http"

	"github.com/project-ncl/pnc-sub011/internal/record"
)

// DeleteManifest removes a tag or manifest. A missing manifest is not an error.
func (r Registry) DeleteManifest(ctx context.Context, ref string) error {
	resp, err := r.do(ctx, http.MethodDelete, r.url("manifests", ref), nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("delete manifest %s status %d", ref, resp.StatusCode)
	}
}

// TraceCleaner removes the promotion manifest a record left in the registry.
// Blobs stay; the registry garbage-collects unreferenced ones.
type TraceCleaner struct {
	Registry Registry
}

func (c TraceCleaner) RemoveTraces(ctx context.Context, rec record.Record) error {
	if !c.Registry.Enabled() || rec.Phases.Promotion == nil || rec.Phases.Promotion.PromotionTag == "" {
		return nil
	}
	return c.Registry.DeleteManifest(ctx, rec.Phases.Promotion.PromotionTag)
}
