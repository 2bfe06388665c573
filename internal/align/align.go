// Package align provides alignment phase drivers. Alignment pins the source
// revision a build will use and reports the dependency versions it resolved.
package align

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/artifact"
	"github.com/project-ncl/pnc-sub011/internal/graph"
	"github.com/project-ncl/pnc-sub011/internal/phase"
	"github.com/project-ncl/pnc-sub011/internal/status"
)

// Noop aligns nothing: the configured SCM coordinates are used as-is.
type Noop struct{}

// Driver returns the alignment driver.
func (Noop) Driver() phase.Driver {
	return phase.DriverFunc(func(_ context.Context, req phase.Request) (phase.Result, error) {
		now := time.Now().UTC()
		return phase.AlignmentResult{
			Common:      phase.Common{Status: status.Success, StartedAt: now, EndedAt: now},
			SCMURL:      req.Config.SCMURL,
			SCMRevision: req.Config.SCMRevision,
		}, nil
	})
}

// Request is the payload sent to the alignment service.
type Request struct {
	RunID        string                    `json:"run_id"`
	ConfigID     string                    `json:"config_id"`
	Revision     int                       `json:"revision"`
	SCMURL       string                    `json:"scm_url,omitempty"`
	SCMRevision  string                    `json:"scm_revision,omitempty"`
	Temporary    bool                      `json:"temporary"`
	Preference   graph.AlignmentPreference `json:"alignment_preference,omitempty"`
	Dependencies []artifact.Artifact       `json:"dependencies,omitempty"`
}

// Response is what the alignment service returns. An empty status means
// success.
type Response struct {
	Status      status.Result       `json:"status,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	SCMURL      string              `json:"scm_url,omitempty"`
	SCMRevision string              `json:"scm_revision,omitempty"`
	SCMTag      string              `json:"scm_tag,omitempty"`
	Consumed    []artifact.Artifact `json:"consumed,omitempty"`
	Log         string              `json:"log,omitempty"`
}

// Client calls a remote alignment service over HTTP.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Driver returns the alignment driver.
func (c *Client) Driver() phase.Driver { return phase.DriverFunc(c.align) }

func (c *Client) align(ctx context.Context, req phase.Request) (phase.Result, error) {
	started := time.Now().UTC()
	cfg := req.Config
	preference := cfg.Options.Alignment
	if preference == "" {
		preference = graph.PreferPersistent
		if cfg.Options.Temporary {
			preference = graph.PreferTemporary
		}
	}
	payload := Request{
		RunID:        req.RunID,
		ConfigID:     cfg.ID,
		Revision:     cfg.Revision,
		SCMURL:       cfg.SCMURL,
		SCMRevision:  cfg.SCMRevision,
		Temporary:    cfg.Options.Temporary,
		Preference:   preference,
		Dependencies: req.Dependencies,
	}
	resp, err := c.post(ctx, "/api/align", payload)
	if err != nil {
		return nil, err
	}
	st := resp.Status
	if st == "" {
		st = status.Success
	}
	if !st.Valid() {
		st = status.ResultSystemError
		resp.Reason = fmt.Sprintf("alignment returned unknown status %q", resp.Status)
	}
	scmURL := resp.SCMURL
	if scmURL == "" {
		scmURL = cfg.SCMURL
	}
	return phase.AlignmentResult{
		Common:      phase.Common{Status: st, Reason: resp.Reason, StartedAt: started, EndedAt: time.Now().UTC()},
		SCMURL:      scmURL,
		SCMRevision: resp.SCMRevision,
		SCMTag:      resp.SCMTag,
		Consumed:    resp.Consumed,
		Log:         resp.Log,
	}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (Response, error) {
	var out Response
	if c == nil || c.BaseURL == "" {
		return out, fmt.Errorf("alignment service not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	cli := c.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, fmt.Errorf("post %s status %s: %s", path, resp.Status, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode alignment response: %w", err)
	}
	return out, nil
}
