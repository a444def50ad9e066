package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

func viewOf(t *testing.T, method, target, body string) *fhir.Request {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("Content-Type", "application/fhir+json")
	r.Header.Set("Accept", "application/fhir+json")
	r.Header.Set("Authorization", "Bearer client-token")
	r.Header.Set("Cookie", "session=abc")
	r.Header.Set("If-None-Match", `W/"7"`)
	view, err := fhir.NewRequest(r)
	if err != nil {
		t.Fatalf("building request view: %v", err)
	}
	return view
}

func TestForward_HeaderFilter(t *testing.T) {
	var got *http.Request
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.WriteHeader(http.StatusOK)
	}))
	defer store.Close()

	client := NewClient(NewHAPIBackend(context.Background(), HAPIConfig{
		BaseURL:  store.URL,
		Username: "svc",
		Password: "secret",
	}), 5*time.Second)

	resp, err := client.Forward(context.Background(), viewOf(t, "GET", "/Patient/1", ""), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if got.Header.Get("Accept") != "application/fhir+json" {
		t.Error("expected Accept header to be forwarded")
	}
	if got.Header.Get("If-None-Match") != `W/"7"` {
		t.Error("expected If-None-Match header to be forwarded")
	}
	if got.Header.Get("Cookie") != "" {
		t.Error("Cookie header must not be forwarded")
	}
	if auth := got.Header.Get("Authorization"); strings.Contains(auth, "client-token") {
		t.Errorf("client Authorization must be replaced, got %q", auth)
	}
	if !strings.HasPrefix(got.Header.Get("Authorization"), "Basic ") {
		t.Errorf("expected Basic upstream credentials, got %q", got.Header.Get("Authorization"))
	}
}

func TestForward_BodyAndQueryMutation(t *testing.T) {
	var gotBody string
	var gotQuery string
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusCreated)
	}))
	defer store.Close()

	client := NewClient(NewHAPIBackend(context.Background(), HAPIConfig{BaseURL: store.URL}), 5*time.Second)

	view := viewOf(t, "POST", "/Observation?foo=1", `{"resourceType":"Observation"}`)
	mutated := map[string][]string{"subject": {"Patient/9"}}

	resp, err := client.Forward(context.Background(), view, mutated, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotBody != `{"resourceType":"Observation"}` {
		t.Errorf("body not forwarded as-is: %q", gotBody)
	}
	if gotQuery != "subject=Patient%2F9" {
		t.Errorf("expected mutated query, got %q", gotQuery)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
}

func TestForward_Timeout(t *testing.T) {
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer store.Close()

	client := NewClient(NewHAPIBackend(context.Background(), HAPIConfig{BaseURL: store.URL}), 20*time.Millisecond)

	_, err := client.Forward(context.Background(), viewOf(t, "GET", "/Patient/1", ""), nil, nil)
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if !ue.Timeout {
		t.Errorf("expected timeout classification, got %v", err)
	}
}

func TestForward_Unreachable(t *testing.T) {
	client := NewClient(NewHAPIBackend(context.Background(), HAPIConfig{BaseURL: "http://127.0.0.1:1"}), time.Second)

	_, err := client.Forward(context.Background(), viewOf(t, "GET", "/Patient/1", ""), nil, nil)
	var ue *Error
	if !errors.As(err, &ue) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if ue.Timeout {
		t.Errorf("connection refused should not classify as timeout: %v", err)
	}
}

func TestQueryJSON(t *testing.T) {
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/List" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/fhir+json")
		w.Write([]byte(`{"resourceType":"Bundle","type":"searchset","total":1}`))
	}))
	defer store.Close()

	client := NewClient(NewHAPIBackend(context.Background(), HAPIConfig{BaseURL: store.URL}), 5*time.Second)

	var bundle struct {
		Total int `json:"total"`
	}
	status, err := client.QueryJSON(context.Background(), "GET", "List?_id=x", &bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK || bundle.Total != 1 {
		t.Errorf("status=%d total=%d", status, bundle.Total)
	}
}
