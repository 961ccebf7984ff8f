// Package busclient is a thin remote caller for the MCP Bus's
// /call/{agent}/{tool} admin HTTP surface (pkg/bus/http.go), used by
// out-of-process components — the Crawl Scheduler's extractor and
// embedding stages — that need to reach registered agents without
// linking pkg/bus itself.
package busclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/justnews/fabric/pkg/apierr"
)

// Client calls tools on agents registered with a remote MCP Bus.
type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// Call mirrors bus.Bus.Call's signature so *Client satisfies the
// narrow BusCaller interfaces declared by pkg/ingest, pkg/extract, and
// pkg/embedding.
func (c *Client) Call(ctx context.Context, agent, tool string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"args": args, "kwargs": kwargs})
	if err != nil {
		return nil, apierr.Wrap("busclient.call", apierr.KindValidation, err, "failed to encode request")
	}

	url := fmt.Sprintf("%s/call/%s/%s", c.baseURL, agent, tool)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, apierr.Wrap("busclient.call", apierr.KindValidation, err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apierr.Wrap("busclient.call", apierr.KindUpstream, err, "request failed").WithRetryable(true)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Wrap("busclient.call", apierr.KindUpstream, err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apierr.Wrapf("busclient.call", apierr.KindUpstream, fmt.Errorf("status %d", resp.StatusCode),
			"non-2xx response: %d", resp.StatusCode)
	}
	return json.RawMessage(out), nil
}
