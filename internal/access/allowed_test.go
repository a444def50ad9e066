package access

import (
	"net/http/httptest"
	"testing"

	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

func reqView(t *testing.T, method, target string) *fhir.Request {
	t.Helper()
	view, err := fhir.NewRequest(httptest.NewRequest(method, target, nil))
	if err != nil {
		t.Fatalf("building request view: %v", err)
	}
	return view
}

func TestParseAllowedQueries_NullPath(t *testing.T) {
	_, err := ParseAllowedQueries([]byte(`{"entries":[{"path":null,"queryParams":{}}]}`))
	if err == nil {
		t.Fatal("expected null path to be a configuration error")
	}

	_, err = ParseAllowedQueries([]byte(`{"entries":[{"queryParams":{}}]}`))
	if err == nil {
		t.Fatal("expected missing path to be a configuration error")
	}
}

func TestMatch_PaginationEntry(t *testing.T) {
	queries, err := ParseAllowedQueries([]byte(`{
		"entries": [
			{"path": "", "queryParams": {"_getpages": "ANY_VALUE"}, "allowExtraParams": true, "allParamsRequired": true}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !queries.Match(reqView(t, "GET", "/?_getpages=ABC-123")) {
		t.Error("expected pagination request to match")
	}
	if !queries.Match(reqView(t, "GET", "/?_getpages=ABC-123&_getpagesoffset=10")) {
		t.Error("expected extra params to be tolerated")
	}
	if queries.Match(reqView(t, "GET", "/")) {
		t.Error("expected request without required param to defer")
	}
	if queries.Match(reqView(t, "GET", "/Patient?_getpages=ABC-123")) {
		t.Error("expected non-root path to defer")
	}
}

func TestMatch_MethodConstraint(t *testing.T) {
	queries, err := ParseAllowedQueries([]byte(`{
		"entries": [
			{"path": "metadata", "methodType": "GET"}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !queries.Match(reqView(t, "GET", "/metadata")) {
		t.Error("expected GET metadata to match")
	}
	if queries.Match(reqView(t, "POST", "/metadata")) {
		t.Error("expected POST metadata to defer")
	}
}

func TestMatch_PathVariableSlot(t *testing.T) {
	queries, err := ParseAllowedQueries([]byte(`{
		"entries": [
			{"path": "Binary/", "methodType": "GET", "allowExtraParams": false}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !queries.Match(reqView(t, "GET", "/Binary/doc-1")) {
		t.Error("expected one-segment id to match")
	}
	if queries.Match(reqView(t, "GET", "/Binary")) {
		t.Error("expected bare prefix to defer")
	}
	if queries.Match(reqView(t, "GET", "/Binary/doc-1/_history")) {
		t.Error("expected two extra segments to defer")
	}
}

func TestMatch_LiteralValueAndExtras(t *testing.T) {
	queries, err := ParseAllowedQueries([]byte(`{
		"entries": [
			{"path": "Composition", "queryParams": {"status": "final"}, "allowExtraParams": false, "allParamsRequired": true}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !queries.Match(reqView(t, "GET", "/Composition?status=final")) {
		t.Error("expected literal value to match")
	}
	if queries.Match(reqView(t, "GET", "/Composition?status=draft")) {
		t.Error("expected wrong value to defer")
	}
	if queries.Match(reqView(t, "GET", "/Composition?status=final&extra=1")) {
		t.Error("expected extra param to defer when allowExtraParams=false")
	}
	if queries.Match(reqView(t, "GET", "/Composition?status=final&status=draft")) {
		t.Error("expected multi-valued param to defer")
	}
}

func TestMatch_OptionalParams(t *testing.T) {
	queries, err := ParseAllowedQueries([]byte(`{
		"entries": [
			{"path": "ValueSet", "queryParams": {"url": "ANY_VALUE"}, "allowExtraParams": false, "allParamsRequired": false}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !queries.Match(reqView(t, "GET", "/ValueSet?url=http%3A%2F%2Fx")) {
		t.Error("expected present optional param to match")
	}
	if !queries.Match(reqView(t, "GET", "/ValueSet")) {
		t.Error("expected absent optional param to match")
	}
	if queries.Match(reqView(t, "GET", "/ValueSet?other=1")) {
		t.Error("expected unlisted param to defer when allowExtraParams=false")
	}
}

func TestMatch_FirstMatchWins(t *testing.T) {
	queries, err := ParseAllowedQueries([]byte(`{
		"entries": [
			{"path": "metadata", "methodType": "POST"},
			{"path": "metadata", "methodType": "GET"}
		]
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !queries.Match(reqView(t, "GET", "/metadata")) {
		t.Error("expected later entry to match when earlier defers")
	}
}

func TestMatch_NilConfig(t *testing.T) {
	var queries *AllowedQueries
	if queries.Match(reqView(t, "GET", "/metadata")) {
		t.Error("nil config must never match")
	}
}
