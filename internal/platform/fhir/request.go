package fhir

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Request is an immutable view of one inbound FHIR HTTP request: method,
// path relative to the proxy base, the first path segment as resource type,
// identifier for /Type/id operations, query parameters, headers and buffered
// body bytes. The servlet body stream is readable exactly once, so the body
// is buffered at construction and every later reader is served from the
// buffer. Once constructed the view is safe for concurrent reads.
type Request struct {
	method       string
	path         string
	resourceType string
	id           string
	query        url.Values
	header       http.Header
	body         []byte
	charset      string
}

// NewRequest buffers and snapshots the given HTTP request. The request body
// is consumed.
func NewRequest(r *http.Request) (*Request, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, invalidRequestf("reading request body: %v", err)
		}
		r.Body.Close()
		body = b
	}

	path := strings.Trim(r.URL.Path, "/")
	req := &Request{
		method:  r.Method,
		path:    path,
		query:   r.URL.Query(),
		header:  r.Header.Clone(),
		body:    body,
		charset: charsetOf(r.Header.Get("Content-Type")),
	}

	segments := strings.Split(path, "/")
	if len(segments) > 0 && isResourceTypeName(segments[0]) {
		req.resourceType = segments[0]
		if len(segments) == 2 {
			req.id = segments[1]
		}
	}
	return req, nil
}

func charsetOf(contentType string) string {
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs := params["charset"]; cs != "" {
				return cs
			}
		}
	}
	return "utf-8"
}

// isResourceTypeName reports whether a path segment names a FHIR resource
// type. Resource type names are UpperCamelCase; operations ($export),
// metadata and well-known paths are not.
func isResourceTypeName(segment string) bool {
	return segment != "" && segment[0] >= 'A' && segment[0] <= 'Z'
}

// Method returns the HTTP method.
func (r *Request) Method() string { return r.method }

// Path returns the request path relative to the proxy base, with no leading
// or trailing slash. The root path is "".
func (r *Request) Path() string { return r.path }

// ResourceType returns the FHIR resource type addressed by the path, or ""
// for root operations.
func (r *Request) ResourceType() string { return r.resourceType }

// ID returns the resource identifier for /Type/id paths, or "".
func (r *Request) ID() string { return r.id }

// Query returns the query parameter multi-map. Callers must not mutate it.
func (r *Request) Query() url.Values { return r.query }

// Header returns the request headers. Callers must not mutate them.
func (r *Request) Header() http.Header { return r.header }

// Body returns the buffered body bytes. Callers must not mutate them.
func (r *Request) Body() []byte { return r.body }

// Charset returns the effective request character set, defaulting to utf-8.
func (r *Request) Charset() string { return r.charset }

// Resource parses the body as a JSON FHIR resource.
func (r *Request) Resource() (map[string]interface{}, error) {
	if len(r.body) == 0 {
		return nil, invalidRequestf("request body is empty")
	}
	var resource map[string]interface{}
	if err := json.Unmarshal(r.body, &resource); err != nil {
		return nil, invalidRequestf("request body is not a valid FHIR resource: %v", err)
	}
	return resource, nil
}

// ResourceTypeOf returns the resourceType attribute of a parsed resource.
func ResourceTypeOf(resource map[string]interface{}) string {
	t, _ := resource["resourceType"].(string)
	return t
}
