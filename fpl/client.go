package fpl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the public Fantasy Premier League API.
const DefaultBaseURL = "https://fantasy.premierleague.com/api"

// FetchError reports a failed request to the FPL API. Status is zero for
// transport failures.
type FetchError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fpl: fetch %s: status %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("fpl: fetch %s: %v", e.Endpoint, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Client is a thin client for the official FPL API.
type Client struct {
	baseURL   string
	http      *http.Client
	retries   int
	backoff   time.Duration
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithRetries sets how many times a transient failure is retried and the
// initial backoff, which doubles on each attempt.
func WithRetries(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// NewClient creates a client for baseURL. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      &http.Client{Timeout: 15 * time.Second},
		retries:   2,
		backoff:   300 * time.Millisecond,
		userAgent: "gaffer/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap returns events, teams, players and positions.
func (c *Client) Bootstrap(ctx context.Context) (*Bootstrap, error) {
	var out Bootstrap
	if err := c.get(ctx, "/bootstrap-static/", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Fixtures returns every fixture of the season.
func (c *Client) Fixtures(ctx context.Context) ([]Fixture, error) {
	var out []Fixture
	if err := c.get(ctx, "/fixtures/", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Entry returns a manager's public profile.
func (c *Client) Entry(ctx context.Context, managerID int) (*Entry, error) {
	var out Entry
	if err := c.get(ctx, fmt.Sprintf("/entry/%d/", managerID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Picks returns a manager's squad for a gameweek.
func (c *Client) Picks(ctx context.Context, managerID, gameweek int) (*Picks, error) {
	var out Picks
	if err := c.get(ctx, fmt.Sprintf("/entry/%d/event/%d/picks/", managerID, gameweek), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History returns a manager's gameweek history and chip usage.
func (c *Client) History(ctx context.Context, managerID int) (*History, error) {
	var out History
	if err := c.get(ctx, fmt.Sprintf("/entry/%d/history/", managerID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// get fetches endpoint and decodes the JSON body into out. Transport errors,
// 429 and 5xx responses are retried with exponential backoff.
func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	var lastErr error
	tries := c.retries + 1
	for attempt := 0; attempt < tries; attempt++ {
		retry, err := c.once(ctx, endpoint, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == tries-1 {
			break
		}
		select {
		case <-time.After(c.backoff * time.Duration(1<<attempt)):
		case <-ctx.Done():
			return &FetchError{Endpoint: endpoint, Err: ctx.Err()}
		}
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, endpoint string, out any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return false, &FetchError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, &FetchError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retry, &FetchError{
			Endpoint: endpoint,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b))),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, &FetchError{Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return false, nil
}
