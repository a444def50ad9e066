package access

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
	"github.com/fhirgate/fhirgate/internal/upstream"
)

// PatientListClaim names the token claim carrying the id of the FHIR List
// resource that defines the caller's accessible patients.
const PatientListClaim = "patient_list"

// ListCheckerFactory builds list-backed checkers: access is granted when
// every patient the request touches is an item of the caller's patient list
// on the upstream store.
type ListCheckerFactory struct {
	upstream *upstream.Client
	resolver *fhir.Resolver
	logger   zerolog.Logger
}

// NewListCheckerFactory creates the factory. Safe for concurrent use.
func NewListCheckerFactory(client *upstream.Client, resolver *fhir.Resolver, logger zerolog.Logger) *ListCheckerFactory {
	return &ListCheckerFactory{upstream: client, resolver: resolver, logger: logger}
}

func (f *ListCheckerFactory) NewChecker(ctx context.Context, token *auth.VerifiedToken) (Checker, error) {
	listID := token.Claims.String(PatientListClaim)
	if listID == "" {
		return nil, fmt.Errorf("token has no %s claim", PatientListClaim)
	}
	return &listChecker{
		listID:   listID,
		upstream: f.upstream,
		resolver: f.resolver,
		logger:   f.logger,
	}, nil
}

type listChecker struct {
	listID   string
	upstream *upstream.Client
	resolver *fhir.Resolver
	logger   zerolog.Logger
}

// searchsetBundle is the slice of a search response the checker needs.
type searchsetBundle struct {
	Total *int `json:"total"`
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
}

func (b *searchsetBundle) hasMatch() bool {
	if b.Total != nil {
		return *b.Total > 0
	}
	return len(b.Entry) > 0
}

func (c *listChecker) CheckAccess(ctx context.Context, req *fhir.Request) (*Decision, error) {
	if t := req.ResourceType(); t != "" && !c.resolver.Supported(t) {
		return nil, &fhir.InvalidRequestError{Reason: "resource type " + t + " is not supported"}
	}

	// Creation of a new Patient is granted up front; the post-process hook
	// appends the created patient to the list after upstream success.
	if req.ResourceType() == "Patient" {
		switch {
		case req.Method() == "POST":
			if _, err := c.resolver.Resolve(req); err != nil {
				return nil, err
			}
			return &Decision{Allowed: true, PostProcess: c.appendToList("")}, nil
		case (req.Method() == "PUT" || req.Method() == "PATCH") && req.ID() != "":
			exists, err := c.patientExists(ctx, req.ID())
			if err != nil {
				return nil, err
			}
			if !exists {
				if _, err := c.resolver.Resolve(req); err != nil {
					return nil, err
				}
				return &Decision{Allowed: true, PostProcess: c.appendToList(req.ID())}, nil
			}
			// Existing patient: fall through to the compartment check.
		}
	}

	compartment, err := c.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	if len(compartment) == 0 {
		return Deny(), nil
	}

	ok, err := c.listContainsAll(ctx, compartment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return Deny(), nil
	}
	return Grant(), nil
}

// patientExists checks upstream whether a Patient id is already taken.
func (c *listChecker) patientExists(ctx context.Context, id string) (bool, error) {
	query := url.Values{
		"_id":       {id},
		"_elements": {"id"},
	}
	var bundle searchsetBundle
	if _, err := c.upstream.QueryJSON(ctx, http.MethodGet, "Patient?"+query.Encode(), &bundle); err != nil {
		return false, fmt.Errorf("checking patient existence: %w", err)
	}
	return bundle.hasMatch(), nil
}

// listContainsAll queries the list with one item parameter per patient;
// repeated search parameters conjoin, so a non-empty result means every
// patient in the compartment is on the list.
func (c *listChecker) listContainsAll(ctx context.Context, compartment fhir.Compartment) (bool, error) {
	query := url.Values{
		"_id":       {c.listID},
		"_elements": {"id"},
	}
	for _, id := range compartment.IDs() {
		query.Add("item", "Patient/"+id)
	}

	var bundle searchsetBundle
	if _, err := c.upstream.QueryJSON(ctx, http.MethodGet, "List?"+query.Encode(), &bundle); err != nil {
		return false, fmt.Errorf("querying patient list: %w", err)
	}
	return bundle.hasMatch(), nil
}

// appendToList returns the post-process hook adding a created patient to the
// caller's list. patientID is empty for POST creations, where the id is read
// from the upstream response.
func (c *listChecker) appendToList(patientID string) PostProcessFunc {
	return func(ctx context.Context, resp *UpstreamResponse) error {
		id := patientID
		if id == "" {
			id = createdPatientID(resp)
		}
		if id == "" {
			return fmt.Errorf("cannot determine created patient id from upstream response")
		}

		patch := fmt.Sprintf(
			`[{"op":"add","path":"/entry/-","value":{"item":{"reference":"Patient/%s"}}}]`, id)
		patchResp, err := c.upstream.Query(ctx, http.MethodPatch, "List/"+c.listID,
			"application/json-patch+json", []byte(patch))
		if err != nil {
			return fmt.Errorf("appending Patient/%s to List/%s: %w", id, c.listID, err)
		}
		defer patchResp.Body.Close()
		if patchResp.StatusCode >= 400 {
			return fmt.Errorf("appending Patient/%s to List/%s: upstream status %d",
				id, c.listID, patchResp.StatusCode)
		}
		c.logger.Info().Str("patient", id).Str("list", c.listID).Msg("patient appended to list")
		return nil
	}
}

// createdPatientID extracts the new patient id from a creation response,
// preferring the Location header over the response resource.
func createdPatientID(resp *UpstreamResponse) string {
	if loc := resp.Header.Get("Location"); loc != "" {
		if i := strings.Index(loc, "Patient/"); i >= 0 {
			rest := loc[i+len("Patient/"):]
			if j := strings.Index(rest, "/"); j >= 0 {
				rest = rest[:j]
			}
			return rest
		}
	}
	var resource struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &resource); err == nil {
		return resource.ID
	}
	return ""
}
