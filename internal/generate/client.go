// Package generate is the HTTP client side of the streaming generation
// endpoint. The poller uses it synchronously: the full stream is read to
// completion before the result is persisted.
package generate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// No client timeout: a generation run has no upper bound and the stream stays
// open for its full duration.
var defaultHTTPClient = &http.Client{}

// Params describe one generation call.
type Params struct {
	Prompt    string
	Model     string
	UserID    string
	RecordID  string
	ProjectID string
}

// Client calls the Gateway's /generate/stream endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a generation client for the Gateway at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient,
	}
}

// Generate performs a generation request and returns the raw streamed text,
// including any error and completion markers. Callers clean it with
// CleanOutput before use.
func (c *Client) Generate(ctx context.Context, p Params) (string, error) {
	q := url.Values{}
	q.Set("prompt", p.Prompt)
	if p.Model != "" {
		q.Set("model", p.Model)
	}
	q.Set("userId", p.UserID)
	if p.RecordID != "" {
		q.Set("recordId", p.RecordID)
	}
	if p.ProjectID != "" {
		q.Set("projectId", p.ProjectID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/generate/stream?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling generation service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("generation service error: status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading generation stream: %w", err)
	}
	return string(body), nil
}

var (
	errLineRe    = regexp.MustCompile(`\[ERR\].*?\n`)
	doneMarkerRe = regexp.MustCompile(`\[✔.*?\]`)
)

// CleanOutput strips forwarded stderr lines and the trailing completion
// marker from a collected stream and trims surrounding whitespace.
func CleanOutput(s string) string {
	s = errLineRe.ReplaceAllString(s, "")
	s = doneMarkerRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
