package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// requestHeaders are the only client headers copied upstream. Content-Length
// is set by the HTTP client, Authorization is replaced by upstream
// credentials, and Host belongs to the upstream URL.
var requestHeaders = []string{
	"Content-Type",
	"Accept",
	"Accept-Charset",
	"If-Match",
	"If-None-Match",
	"Prefer",
}

// ResponseHeaders are the upstream response headers relayed to the client.
var ResponseHeaders = []string{
	"Content-Type",
	"ETag",
	"Location",
	"Last-Modified",
}

// Error wraps an upstream transport failure. Timeout distinguishes 504 from
// 502 at the HTTP layer; upstream status codes are not errors and are
// streamed through.
type Error struct {
	Timeout bool
	err     error
}

func (e *Error) Error() string {
	if e.Timeout {
		return "upstream timeout: " + e.err.Error()
	}
	return "upstream unreachable: " + e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

// Client forwards requests to one upstream FHIR store. Process-wide and safe
// for concurrent use.
type Client struct {
	backend    Backend
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a Client over the given backend with a per-call timeout.
func NewClient(backend Backend, timeout time.Duration) *Client {
	return &Client{
		backend: backend,
		httpClient: &http.Client{
			// Redirects from the store would bypass the URL rewrite.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
	}
}

// BaseURL returns the upstream base URL with no trailing slash.
func (c *Client) BaseURL() string { return c.backend.BaseURL() }

// Forward sends a buffered request view upstream and returns the raw
// response. query overrides the view's parameters when non-nil (decision
// mutations); extra headers are added after the filter. The caller must
// close the response body, which also releases the per-call timeout.
func (c *Client) Forward(ctx context.Context, req *fhir.Request, query url.Values, extra http.Header) (*http.Response, error) {
	if query == nil {
		query = req.Query()
	}
	target := c.backend.BaseURL() + "/" + req.Path()
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body io.Reader
	if len(req.Body()) > 0 {
		body = bytes.NewReader(req.Body())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	out, err := http.NewRequestWithContext(ctx, req.Method(), target, body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	for _, name := range requestHeaders {
		if values := req.Header().Values(name); len(values) > 0 {
			out.Header[name] = values
		}
	}
	for name, values := range extra {
		out.Header[name] = values
	}

	resp, err := c.do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
	return resp, nil
}

// Query issues a request of the client's own (list lookups, existence
// checks, list patches) against the upstream store. pathAndQuery is relative
// to the base URL.
func (c *Client) Query(ctx context.Context, method, pathAndQuery, contentType string, body []byte) (*http.Response, error) {
	target := c.backend.BaseURL() + "/" + pathAndQuery

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	out, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	if contentType != "" {
		out.Header.Set("Content-Type", contentType)
	}

	resp, err := c.do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelReadCloser{rc: resp.Body, cancel: cancel}
	return resp, nil
}

// QueryJSON runs Query and decodes a JSON body, closing it.
func (c *Client) QueryJSON(ctx context.Context, method, pathAndQuery string, out interface{}) (int, error) {
	resp, err := c.Query(ctx, method, pathAndQuery, "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, classify(err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding upstream response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	auth, err := c.backend.AuthHeader(req.Context())
	if err != nil {
		return nil, &Error{err: err}
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// classify wraps a transport error, marking timeouts.
func classify(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	timeout := errors.Is(err, context.DeadlineExceeded)
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		timeout = true
	}
	if ue, ok := err.(*url.Error); ok && (ue.Timeout() || errors.Is(ue.Err, context.DeadlineExceeded)) {
		timeout = true
	}
	return &Error{Timeout: timeout, err: err}
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
