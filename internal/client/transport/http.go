// Package transport is the client's HTTP binding to the sync server. It
// translates wire-level failures into the shared error taxonomy so the rest
// of the client never inspects status codes.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/logging"
)

// TokenSource supplies the bearer token for requests. Refresh is invoked
// once when the server rejects the current token; implementations that
// cannot refresh should return an error wrapping common.ErrAuth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed, non-refreshable token.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error) { return string(s), nil }

func (s StaticToken) Refresh(ctx context.Context) (string, error) {
	return "", fmt.Errorf("token rejected and cannot be refreshed: %w", common.ErrAuth)
}

// Client talks to the sync server over HTTP/JSON.
type Client struct {
	http    *http.Client
	baseURL string
	tokens  TokenSource
	log     logging.Logger
}

func New(baseURL string, tokens TokenSource, timeout time.Duration, log logging.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
		baseURL: baseURL,
		tokens:  tokens,
		log:     log,
	}
}

// PushBatch submits one sync round: pending operations plus the cursor, and
// returns the server's verdicts and changes.
func (c *Client) PushBatch(ctx context.Context, req *api.SyncRequest) (*api.SyncResponse, error) {
	var resp api.SyncResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status fetches the server-side sync state for the signed-in user.
func (c *Client) Status(ctx context.Context) (*api.SyncStatusResponse, error) {
	var resp api.SyncStatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// doJSON performs one request, retrying exactly once with a refreshed token
// when the server answers 401. The retry reuses the marshalled body, so it
// is safe for non-idempotent posts: the request never reached application
// code when auth failed.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	status, err := c.attempt(ctx, method, path, body, token, out)
	if status == http.StatusUnauthorized {
		if token, err = c.tokens.Refresh(ctx); err != nil {
			return err
		}
		c.log.Debug(ctx, "token refreshed after 401", "path", path)
		_, err = c.attempt(ctx, method, path, body, token, out)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, token string, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w: %w", method, path, common.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, classify(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w: %w", common.ErrServer, err)
		}
	}
	return resp.StatusCode, nil
}

// classify maps an HTTP error response onto the shared failure taxonomy.
func classify(resp *http.Response) error {
	msg := errorMessage(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", msg, common.ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &common.RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, msg, common.ErrServer)
	default:
		return fmt.Errorf("status %d: %s: %w", resp.StatusCode, msg, common.ErrValidation)
	}
}

func errorMessage(r io.Reader) string {
	var e api.ErrorResponse
	if err := json.NewDecoder(r).Decode(&e); err == nil && e.Error != "" {
		return e.Error
	}
	return "request failed"
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
