// Package client talks to a linesync server over HTTP and keeps a local Canvas converged with it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/astromechza/linesync/pkg/api"
	"github.com/astromechza/linesync/pkg/lines"
	"github.com/astromechza/linesync/pkg/state"
)

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Message)
}

func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusPreconditionFailed
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	peerName   string
	newBackOff func() backoff.BackOff
	canvas     *Canvas

	mu sync.Mutex
	id state.ClientID
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithPeerName distinguishes several clients that share a remote address.
func WithPeerName(name string) Option {
	return func(c *Client) { c.peerName = name }
}

func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.WithMaxRetries(b, 6)
}

func New(baseURL string, canvas *Canvas, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL:    u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		newBackOff: defaultBackOff,
		canvas:     canvas,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Canvas() *Canvas {
	return c.canvas
}

// ID returns the identity assigned by the last registration, or NoClient.
func (c *Client) ID() state.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) send(ctx context.Context, method, path string, withID bool, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.peerName != "" {
		req.Header.Set(api.HeaderPeerName, c.peerName)
	}
	if withID {
		req.Header.Set(api.HeaderClientID, c.ID().String())
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	switch o := out.(type) {
	case *string:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		*o = string(raw)
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// call retries transient failures. A 412 means the server no longer knows this client, so it registers again
// and queues the whole local canvas for the next push before retrying.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	op := func() error {
		if c.ID() == state.NoClient {
			if _, err := c.register(ctx); err != nil {
				return err
			}
		}
		err := c.send(ctx, method, path, true, in, out)
		var se *StatusError
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.As(err, &se) && se.Code == http.StatusPreconditionFailed:
			slog.Warn("server forgot this client, registering again", "client", c.ID())
			c.forget()
			return err
		case errors.As(err, &se) && !retryable(se.Code):
			return backoff.Permanent(err)
		default:
			return err
		}
	}
	return backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
}

func (c *Client) forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = state.NoClient
}

func (c *Client) register(ctx context.Context) (state.ClientID, error) {
	var out api.RegisterResponse
	if err := c.send(ctx, http.MethodPost, "register", false, nil, &out); err != nil {
		return state.NoClient, fmt.Errorf("failed to register: %w", err)
	}
	c.mu.Lock()
	previous := c.id
	c.id = out.ID
	c.mu.Unlock()
	if out.Created && c.canvas != nil {
		c.canvas.MarkAllUnsent()
	}
	slog.Info("registered", "client", out.ID, "previous", previous, "created", out.Created)
	return out.ID, nil
}

// Register obtains a client id, retrying transient failures.
func (c *Client) Register(ctx context.Context) (state.ClientID, error) {
	var id state.ClientID
	err := backoff.Retry(func() error {
		var err error
		id, err = c.register(ctx)
		var se *StatusError
		if errors.As(err, &se) && !retryable(se.Code) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.newBackOff(), ctx))
	return id, err
}

// Push sends the unsent lines of the canvas. It returns false when there was nothing to send.
func (c *Client) Push(ctx context.Context) (state.PushResult, bool, error) {
	batch, ok := c.canvas.PushRequest()
	if !ok {
		return state.PushResult{}, false, nil
	}
	var out state.PushResult
	if err := c.call(ctx, http.MethodPost, "lines", batch.PushRequest, &out); err != nil {
		return out, false, err
	}
	c.canvas.Acknowledge(batch)
	return out, true, nil
}

// Pull fetches the canonical state in normalized space and merges it into the canvas.
func (c *Client) Pull(ctx context.Context) (state.PullResponse, error) {
	var out state.PullResponse
	if err := c.call(ctx, http.MethodPost, "pull", api.PullRequest{}, &out); err != nil {
		return out, err
	}
	if err := c.canvas.ApplyPull(out); err != nil {
		return out, fmt.Errorf("failed to apply pull: %w", err)
	}
	return out, nil
}

// Delete erases ids locally and on the server. If the server never accepts the deletion the ids become
// visible again on the next pull.
func (c *Client) Delete(ctx context.Context, ids ...lines.ID) (state.DeleteResult, error) {
	c.canvas.Erase(ids...)
	var out state.DeleteResult
	if err := c.call(ctx, http.MethodPost, "remove_lines", lines.NewIDSet(ids...), &out); err != nil {
		c.canvas.Unerase(ids...)
		return out, err
	}
	return out, nil
}

// Clear empties the local canvas and the shared one.
func (c *Client) Clear(ctx context.Context) (state.ClearResult, error) {
	c.canvas.Clear()
	var out state.ClearResult
	err := c.call(ctx, http.MethodPost, "clear", nil, &out)
	return out, err
}

func (c *Client) NumConnections(ctx context.Context) (int, error) {
	var raw string
	if err := c.call(ctx, http.MethodGet, "num_connections", nil, &raw); err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("unexpected connection count %q: %w", raw, err)
	}
	return n, nil
}

// Sync pushes local changes and then pulls.
func (c *Client) Sync(ctx context.Context) error {
	if _, _, err := c.Push(ctx); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	if _, err := c.Pull(ctx); err != nil {
		return fmt.Errorf("failed to pull: %w", err)
	}
	return nil
}
