package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// DefaultServerURL matches config.Default().ListenAddr().
	DefaultServerURL = "http://127.0.0.1:37780"
	httpTimeout      = 10 * time.Second
)

// Client talks to the feedcal server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL falls back to the
// FEEDCAL_URL env var, then to DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("FEEDCAL_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// Feedback is one event for POST /api/feedback.
type Feedback struct {
	OwnerID      string     `json:"owner_id"`
	SourceID     string     `json:"source_id"`
	AuthorHandle string     `json:"author_handle,omitempty"`
	Action       string     `json:"action"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
}

// SendFeedback submits one feedback event.
func (c *Client) SendFeedback(ctx context.Context, fb Feedback) error {
	body, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	_, err = c.do(ctx, http.MethodPost, "/api/feedback", body)
	return err
}

// ItemShown records that an item from sourceID was presented to ownerID.
func (c *Client) ItemShown(ctx context.Context, ownerID, sourceID string) error {
	body, _ := json.Marshal(map[string]string{"owner_id": ownerID})
	_, err := c.do(ctx, http.MethodPost, "/api/sources/"+url.PathEscape(sourceID)+"/shown", body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return data, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, "/api/health", nil)
	return err == nil
}
