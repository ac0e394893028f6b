// Package client calls modernrpc endpoints over HTTP.
//
//	c := client.NewJSONClient("https://rpc.example.com/rpc", client.WithBasicAuth("alice", "pw"))
//	var sum int
//	err := c.Call(ctx, "math.add", []int{2, 3}, &sum)
//
// A procedure failure is returned as a *fault.Fault. Transport problems are
// returned as ordinary errors, and a non 2xx response as a *StatusError.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"golang.org/x/oauth2"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 32 << 20

// StatusError is returned when the server answers with a non 2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Option configures a client.
type Option func(*transport)

// WithHTTPClient replaces the default client, which has a 30s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *transport) { t.httpClient = c }
}

// WithBasicAuth sends HTTP Basic credentials with every call.
func WithBasicAuth(username, password string) Option {
	return func(t *transport) {
		t.username = username
		t.password = password
	}
}

// WithTokenSource sends a bearer token from ts with every call.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(t *transport) { t.tokens = ts }
}

// WithHeader adds a header to every call.
func WithHeader(name, value string) Option {
	return func(t *transport) { t.headers.Add(name, value) }
}

// WithLogger logs every call at debug level.
func WithLogger(parentLogger logger.Logger) Option {
	return func(t *transport) {
		if parentLogger != nil {
			t.logger = parentLogger.GetChild("client")
		}
	}
}

type transport struct {
	url        string
	httpClient *http.Client
	headers    http.Header
	username   string
	password   string
	tokens     oauth2.TokenSource
	logger     logger.Logger
}

func newTransport(url string, opts []Option) *transport {
	t := &transport{
		url:        url,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		headers:    http.Header{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// post sends body and returns the response status and body.
func (t *transport) post(ctx context.Context, contentType string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, errors.Wrap(err, "Failed to create request")
	}
	for name, values := range t.headers {
		req.Header[name] = append([]string(nil), values...)
	}
	req.Header.Set("Content-Type", contentType)
	if req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", uuid.NewString())
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	if t.tokens != nil {
		token, err := t.tokens.Token()
		if err != nil {
			return 0, nil, errors.Wrap(err, "Failed to get token")
		}
		token.SetAuthHeader(req)
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(err, "Failed to issue request")
	}
	defer closeBody(resp.Body)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, errors.Wrap(err, "Failed to read response")
	}
	if t.logger != nil {
		t.logger.DebugWith("RPC call",
			"url", t.url,
			"requestID", req.Header.Get("X-Request-Id"),
			"status", resp.StatusCode,
			"duration", time.Since(start).String())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}
	return resp.StatusCode, respBody, nil
}

// closeBody drains the body so the connection can be reused.
func closeBody(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
