package mastodon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Cap on response bodies read from upstream servers.
const maxBodyBytes = 8 * 1024 * 1024

// Client fetches public statuses from any Mastodon-compatible server. The host is taken from each
// post URL, so one Client serves every server. It holds no per-request state and is safe for
// concurrent use.
type Client struct {
	// Client is the shared HTTP client. If not set, defaults to http.DefaultClient.
	Client *http.Client
	// Sent on every request. Should identify the service and a contact.
	UserAgent string
	// Optional limit on outbound requests, shared across all upstream hosts.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

func NewClient(hc *http.Client, userAgent string) *Client {
	return &Client{
		Client:    hc,
		UserAgent: userAgent,
		Logger:    slog.Default(),
	}
}

func (c *Client) getClient() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// GetStatus fetches a single post via GET /api/v1/statuses/:id on the post's origin host.
func (c *Client) GetStatus(ctx context.Context, post PostURL) (*Post, error) {
	id, err := post.ID()
	if err != nil {
		return nil, fmt.Errorf("fetching toot id: %w", err)
	}
	var out Post
	if err := c.get(ctx, "status", post, "/api/v1/statuses/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetContext fetches ancestors and descendants of a post via GET /api/v1/statuses/:id/context.
func (c *Client) GetContext(ctx context.Context, post PostURL) (*Context, error) {
	id, err := post.ID()
	if err != nil {
		return nil, fmt.Errorf("fetching toot id: %w", err)
	}
	var out Context
	if err := c.get(ctx, "context", post, "/api/v1/statuses/"+id+"/context", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, endpoint string, post PostURL, path string, out any) error {
	apiURL, err := post.APIPath(path)
	if err != nil {
		return err
	}

	start := time.Now()
	status := "error"
	defer func() {
		upstreamRequests.WithLabelValues(endpoint, status).Inc()
		upstreamRequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	}()

	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %w", ErrUpstream, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: creating request: %w", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	c.logger().Debug("fetching from upstream", "endpoint", endpoint, "url", apiURL)
	resp, err := c.getClient().Do(req)
	if err != nil {
		return fmt.Errorf("%w: request to %s: %w", ErrUpstream, apiURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", ErrUpstream, apiURL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = fmt.Sprintf("%d", resp.StatusCode)
		return fmt.Errorf("%w: %w", ErrUpstream, &APIError{
			Method:     http.MethodGet,
			URL:        apiURL.String(),
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 512),
		})
	}

	if err := json.Unmarshal(body, out); err != nil {
		status = "bad_payload"
		c.logger().Warn("undecodable upstream response", "url", apiURL, "err", err, "body", truncate(string(body), 512))
		return fmt.Errorf("%w: %w", ErrUpstream, &PayloadError{
			URL:  apiURL.String(),
			Body: body,
			Err:  err,
		})
	}
	status = "ok"
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
