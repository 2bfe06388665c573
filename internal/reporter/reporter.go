// Package reporter pushes orchestrator state to the control plane.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/project-ncl/pnc-sub011/internal/notify"
	"github.com/project-ncl/pnc-sub011/internal/record"
)

// Client posts events, records and heartbeats to the control plane. A nil
// client or empty BaseURL turns every call into a no-op.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// Heartbeat reports liveness and load.
type Heartbeat struct {
	OrchestratorID string    `json:"orchestrator_id"`
	ActiveBuilds   int       `json:"active_builds"`
	ActiveNodes    []string  `json:"active_nodes,omitempty"`
	MaxConcurrent  int       `json:"max_concurrent"`
	IntervalSec    int       `json:"heartbeat_interval_sec"`
	SentAt         time.Time `json:"sent_at"`
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if c == nil || c.BaseURL == "" {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("X-Worker-Token", c.Token)
	}
	cli := c.Client
	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := cli.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("post %s status %s", path, resp.Status)
	}
	return nil
}

// Publish implements notify.Sink.
func (c *Client) Publish(ctx context.Context, evt notify.Event) error {
	return c.post(ctx, "/api/events", evt)
}

// PostRecord uploads a terminal build record.
func (c *Client) PostRecord(ctx context.Context, rec record.Record) error {
	return c.post(ctx, "/api/records", rec)
}

// PostHeartbeat reports liveness.
func (c *Client) PostHeartbeat(ctx context.Context, hb Heartbeat) error {
	return c.post(ctx, "/api/orchestrator/heartbeat", hb)
}
