// Package queue consumes the PocketBase collections that drive the poller:
// cli_commands (read + patch) and generation_requests (patch only).
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to the PocketBase records API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a queue client for the PocketBase instance at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

// ListPendingCommands returns all pending commands ordered by creation time.
func (c *Client) ListPendingCommands(ctx context.Context) ([]Command, error) {
	q := url.Values{}
	q.Set("filter", "status='pending'")
	q.Set("sort", "created")

	reqURL := c.baseURL + "/api/collections/cli_commands/records?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("listing commands: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var list recordList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding command list: %w", err)
	}
	return list.Items, nil
}

// UpdateCommand patches a command's status. errText is stored in the record's
// error field when non-empty; completed commands use it for the summary line.
func (c *Client) UpdateCommand(ctx context.Context, id, status, errText string) error {
	payload := map[string]string{"status": status}
	if errText != "" {
		payload["error"] = errText
	}
	return c.patch(ctx, "cli_commands", id, payload)
}

// UpdateGenerationRequest patches the status of a generation_requests row.
func (c *Client) UpdateGenerationRequest(ctx context.Context, id, status string) error {
	return c.patch(ctx, "generation_requests", id, map[string]string{"status": status})
}

func (c *Client) patch(ctx context.Context, collection, id string, payload map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling patch: %w", err)
	}

	reqURL := fmt.Sprintf("%s/api/collections/%s/records/%s", c.baseURL, collection, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, reqURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("patching %s/%s: %w", collection, id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("patching %s/%s: unexpected status %d: %s", collection, id, resp.StatusCode, string(respBody))
	}
	return nil
}
