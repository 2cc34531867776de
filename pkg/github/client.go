// Package github is the outbound notification client: it posts task
// outcomes back to the GitHub thread an event originated from.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"devhook/pkg/event"
)

// NotificationClient posts a reply to the collaboration thread an event
// came from. Implementations must be safe for concurrent use.
type NotificationClient interface {
	Post(ctx context.Context, ev event.Event, text string) error
}

// Client is a minimal GitHub REST v3 client scoped to issue comments.
// Issue and pull request threads share the same comments endpoint.
type Client struct {
	token   string
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (for tests and GHE).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a GitHub notification client authenticated with token.
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: "https://api.github.com",
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Post adds text as a comment on the issue or pull request thread the
// event originated from.
func (c *Client) Post(ctx context.Context, ev event.Event, text string) error {
	number, err := ev.ThreadNumber()
	if err != nil {
		return fmt.Errorf("resolve thread: %w", err)
	}

	body, err := json.Marshal(map[string]string{"body": text})
	if err != nil {
		return fmt.Errorf("marshal comment: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.baseURL, ev.Repo.FullName, number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build comment request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post comment to %s#%d: %w", ev.Repo.FullName, number, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post comment to %s#%d: status %d: %s",
			ev.Repo.FullName, number, resp.StatusCode, detail)
	}
	return nil
}
