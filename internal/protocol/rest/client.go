// Package rest is the HTTP transport shared by the vendor handlers.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lpwan-bridge/internal/protocol"
)

// Options configures a Client.
type Options struct {
	Timeout         time.Duration
	RetryAttempts   int
	InitialInterval time.Duration
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	Timeout:         30 * time.Second,
	RetryAttempts:   3,
	InitialInterval: 500 * time.Millisecond,
}

// Client performs JSON requests against vendor APIs and classifies failures
// into protocol errors.
type Client struct {
	httpClient *http.Client
	opts       Options
}

// NewClient creates a client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions.Timeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultOptions.RetryAttempts
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultOptions.InitialInterval
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		opts:       opts,
	}
}

// Request is one vendor call.
type Request struct {
	Op     string
	Method string
	URL    string
	Header http.Header
	Body   interface{}
	// Out receives the decoded response body when non-nil.
	Out interface{}
}

// Only reads and deletes are retried on transient failures.
func (r *Request) idempotent() bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return true
	}
	return false
}

// Do executes req. A 2xx response is success; anything else is returned as a
// classified *protocol.Error.
func (c *Client) Do(ctx context.Context, req Request) error {
	if !req.idempotent() {
		return c.do(ctx, &req)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialInterval
	bo.RandomizationFactor = 0.2

	var b backoff.BackOff = backoff.WithMaxRetries(bo, uint64(c.opts.RetryAttempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.do(ctx, &req)
		if err == nil {
			return nil
		}
		if !protocol.IsTransient(err) {
			return backoff.Permanent(err)
		}
		log.Debug().
			Err(err).
			Str("op", req.Op).
			Int("attempt", attempt).
			Msg("Retrying vendor request")
		return err
	}, b)
}

func (c *Client) do(ctx context.Context, req *Request) error {
	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return protocol.NewValidationError(req.Op, fmt.Sprintf("encode body: %v", err))
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return protocol.NewValidationError(req.Op, fmt.Sprintf("build request: %v", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return protocol.NewTransientError(req.Op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return protocol.NewTransientError(req.Op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.FromStatus(req.Op, resp.StatusCode, string(data))
	}

	if req.Out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(req.Out); err != nil {
		return protocol.NewValidationError(req.Op, fmt.Sprintf("decode response: %v", err))
	}
	return nil
}

// URL joins a base URL and a path with query parameters.
func URL(base, path string, query url.Values) string {
	u := strings.TrimRight(base, "/") + path
	if len(query) == 0 {
		return u
	}
	return u + "?" + query.Encode()
}

// Bearer returns an Authorization header carrying token.
func Bearer(name, token string) http.Header {
	h := http.Header{}
	h.Set(name, "Bearer "+token)
	return h
}
