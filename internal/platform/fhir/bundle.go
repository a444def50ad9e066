package fhir

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// EntryVisitor receives the compartment contributed by one bundle entry.
// Returning false stops the iteration; remaining entries are not visited.
type EntryVisitor func(compartment Compartment) bool

// fromBundle resolves a POST to the root path as a transaction bundle and
// returns the union of the per-entry compartments.
func (rv *Resolver) fromBundle(req *Request) (Compartment, error) {
	bundle, err := ParseBundle(req.Body())
	if err != nil {
		return nil, err
	}

	aggregate := NewCompartment()
	err = rv.VisitTransaction(bundle, func(c Compartment) bool {
		aggregate.Union(c)
		return true
	})
	if err != nil {
		return nil, err
	}
	return aggregate, nil
}

// ParseBundle decodes body bytes into a Bundle.
func ParseBundle(body []byte) (*Bundle, error) {
	if len(body) == 0 {
		return nil, invalidRequestf("request body is empty")
	}
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, invalidRequestf("request body is not a valid bundle: %v", err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, invalidRequestf("expected a Bundle resource, got %s", bundle.ResourceType)
	}
	return &bundle, nil
}

// VisitTransaction iterates the entries of a transaction bundle, resolving
// each entry's compartment and handing it to the visitor. Only transaction
// bundles are accepted; DELETE entries and GET entries with no resolvable
// patient are refused.
func (rv *Resolver) VisitTransaction(bundle *Bundle, visit EntryVisitor) error {
	if bundle.Type != "transaction" {
		return invalidRequestf("bundle type %s is not supported, only transaction", bundle.Type)
	}

	for i := range bundle.Entry {
		entry := &bundle.Entry[i]
		if entry.Request == nil {
			return invalidRequestf("bundle entry %d has no request", i)
		}

		var compartment Compartment
		switch strings.ToUpper(entry.Request.Method) {
		case "GET":
			req, err := newEntryRequest("GET", entry.Request.URL)
			if err != nil {
				return err
			}
			c, err := rv.fromPathAndParams(req)
			if err != nil {
				return err
			}
			if len(c) == 0 {
				return invalidRequestf("bundle entry %s has no resolvable patient", entry.Request.URL)
			}
			compartment = c
		case "POST", "PUT":
			if len(entry.Resource) == 0 {
				return invalidRequestf("bundle entry %d has no resource", i)
			}
			var resource map[string]interface{}
			if err := json.Unmarshal(entry.Resource, &resource); err != nil {
				return invalidRequestf("bundle entry %d resource is malformed: %v", i, err)
			}
			c, err := rv.FromResource(resource)
			if err != nil {
				return err
			}
			compartment = c
		case "DELETE":
			return invalidRequestf("deletions require out-of-band authorization")
		default:
			return invalidRequestf("bundle entry method %s is not supported", entry.Request.Method)
		}

		if !visit(compartment) {
			return nil
		}
	}
	return nil
}

// newEntryRequest builds a request view for a bundle entry's relative URL.
func newEntryRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, invalidRequestf("bundle entry URL %s is malformed: %v", rawURL, err)
	}

	path := strings.Trim(u.Path, "/")
	req := &Request{
		method:  method,
		path:    path,
		query:   u.Query(),
		header:  http.Header{},
		charset: "utf-8",
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
