// Package access implements the request authorization pipeline: a static
// allow-list of query shapes, the pluggable access-checker policies, and the
// decision pipeline combining them.
package access

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// UpstreamResponse is the already-streamed upstream response handed to a
// post-process hook. The body is the raw upstream body, before URL rewrite.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PostProcessFunc runs after the response has been streamed to the client.
// Failures are logged, never surfaced: the client already has its response.
type PostProcessFunc func(ctx context.Context, resp *UpstreamResponse) error

// Decision is the outcome of the access pipeline for one request.
type Decision struct {
	// Allowed grants the request.
	Allowed bool
	// QueryMutation, when non-nil, replaces the request's query parameters
	// before forwarding.
	QueryMutation url.Values
	// HeaderMutation headers are added to the upstream request.
	HeaderMutation http.Header
	// PostProcess, when non-nil, is invoked exactly once after a successful
	// upstream forward.
	PostProcess PostProcessFunc
}

// Grant is a plain allow with no mutation and no hook.
func Grant() *Decision { return &Decision{Allowed: true} }

// Deny is a plain policy denial.
func Deny() *Decision { return &Decision{} }

// Checker decides whether one request is authorized. Instances are created
// per request and used by exactly one worker; they need not be thread-safe.
type Checker interface {
	CheckAccess(ctx context.Context, req *fhir.Request) (*Decision, error)
}

// Factory builds a Checker for one verified token. Factories are constructed
// once at startup and invoked from many workers; they must be thread-safe.
type Factory interface {
	NewChecker(ctx context.Context, token *auth.VerifiedToken) (Checker, error)
}

// Registry maps access-checker names to factories. Plugins are linked in at
// build time and registered explicitly at startup; no runtime scanning.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named factory. Registering a duplicate name is a
// programming error.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("access checker %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Get returns the named factory.
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered checker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
