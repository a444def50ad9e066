package fhir

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Search parameter names that place a request inside a patient compartment.
const (
	ParamPatient = "patient"
	ParamSubject = "subject"
)

// Search modifiers the proxy refuses because they expand the compartment in
// ways it does not analyze.
const (
	ParamHas        = "_has"
	ParamInclude    = "_include"
	ParamRevInclude = "_revinclude"
)

// PatientPaths maps FHIR resource types to the FHIRPath-style expressions
// identifying their patient-reference fields, e.g. Observation.subject or
// Observation.performer.where(resolve() is Patient).
type PatientPaths map[string][]string

// DefaultPatientPaths returns the built-in patient-paths table. It covers the
// resource types a typical deployment serves; deployments serving more types
// supply a JSON override file.
func DefaultPatientPaths() PatientPaths {
	return PatientPaths{
		"AllergyIntolerance": {"AllergyIntolerance.patient"},
		"CarePlan":           {"CarePlan.subject"},
		"CareTeam":           {"CareTeam.subject"},
		"Condition":          {"Condition.subject", "Condition.asserter.where(resolve() is Patient)"},
		"DiagnosticReport":   {"DiagnosticReport.subject", "DiagnosticReport.performer.where(resolve() is Patient)"},
		"DocumentReference":  {"DocumentReference.subject"},
		"Encounter":          {"Encounter.subject"},
		"EpisodeOfCare":      {"EpisodeOfCare.patient"},
		"Immunization":       {"Immunization.patient"},
		"List":               {"List.subject", "List.entry.item.where(resolve() is Patient)"},
		"MedicationRequest":  {"MedicationRequest.subject"},
		"Observation":        {"Observation.subject", "Observation.performer.where(resolve() is Patient)"},
		"Patient":            {"Patient.id"},
		"Procedure":          {"Procedure.subject", "Procedure.performer.actor.where(resolve() is Patient)"},
		"ServiceRequest":     {"ServiceRequest.subject"},
		"Specimen":           {"Specimen.subject"},
	}
}

// LoadPatientPaths reads a patient-paths table from a JSON file keyed by
// resource type name.
func LoadPatientPaths(path string) (PatientPaths, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patient-paths file: %w", err)
	}
	var paths PatientPaths
	if err := json.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("parsing patient-paths file %s: %w", path, err)
	}
	return paths, nil
}

// Compartment is the set of patient identifiers a request touches.
type Compartment map[string]struct{}

// NewCompartment builds a compartment from patient IDs.
func NewCompartment(ids ...string) Compartment {
	c := make(Compartment, len(ids))
	for _, id := range ids {
		c[id] = struct{}{}
	}
	return c
}

// Add inserts a patient ID.
func (c Compartment) Add(id string) {
	c[id] = struct{}{}
}

// Union merges another compartment into this one.
func (c Compartment) Union(other Compartment) {
	for id := range other {
		c[id] = struct{}{}
	}
}

// Contains reports whether the compartment holds the given patient ID.
func (c Compartment) Contains(id string) bool {
	_, ok := c[id]
	return ok
}

// IDs returns the patient IDs in unspecified order.
func (c Compartment) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	return ids
}

// Resolver computes the patient compartment of a request from its path,
// search parameters, body resource, or transaction bundle entries. A Resolver
// is immutable after construction and safe for concurrent use.
type Resolver struct {
	paths PatientPaths
}

// NewResolver creates a Resolver over the given patient-paths table.
func NewResolver(paths PatientPaths) *Resolver {
	return &Resolver{paths: paths}
}

// Supported reports whether the resource type appears in the patient-paths
// configuration. Checkers refuse requests for unconfigured types.
func (rv *Resolver) Supported(resourceType string) bool {
	_, ok := rv.paths[resourceType]
	return ok
}

// Resolve computes the compartment for a request. Deletions are refused at
// this layer; PATCH to a typed resource is treated like PUT.
func (rv *Resolver) Resolve(req *Request) (Compartment, error) {
	switch req.Method() {
	case "GET", "HEAD":
		return rv.fromPathAndParams(req)
	case "POST", "PUT":
		if req.ResourceType() == "" {
			return rv.fromBundle(req)
		}
		return rv.fromBody(req)
	case "PATCH":
		return rv.fromPatch(req)
	case "DELETE":
		return nil, invalidRequestf("deletions require out-of-band authorization")
	default:
		return nil, invalidRequestf("method %s is not supported", req.Method())
	}
}

// ValidateSearchParams rejects query shapes the proxy does not analyze:
// reverse chaining (_has), _include/_revinclude, and chained parameters.
func ValidateSearchParams(req *Request) error {
	for name := range req.Query() {
		base := name
		if i := strings.Index(base, ":"); i >= 0 {
			base = base[:i]
		}
		switch base {
		case ParamHas:
			return invalidRequestf("search parameter %s is not allowed", ParamHas)
		case ParamInclude:
			return invalidRequestf("search parameter %s is not allowed", ParamInclude)
		case ParamRevInclude:
			return invalidRequestf("search parameter %s is not allowed", ParamRevInclude)
		}
		// A dot in a parameter name marks a chained search such as
		// subject:Patient.name or subject.name.
		if strings.Contains(name, ".") {
			return invalidRequestf("chained search parameter %s is not allowed", name)
		}
	}
	return nil
}

// fromPathAndParams resolves reads and searches. For /Type/id of a Patient
// the compartment is the id itself; for other types the patient or subject
// query parameters narrow the request, otherwise the compartment is empty
// and the policy layer denies.
func (rv *Resolver) fromPathAndParams(req *Request) (Compartment, error) {
	if err := ValidateSearchParams(req); err != nil {
		return nil, err
	}

	if req.ResourceType() == "Patient" && req.ID() != "" {
		return NewCompartment(req.ID()), nil
	}

	compartment := NewCompartment()
	for _, name := range []string{ParamPatient, ParamSubject} {
		for _, value := range req.Query()[name] {
			for _, ref := range strings.Split(value, ",") {
				id, err := patientIDOfReference(ref)
				if err != nil {
					return nil, err
				}
				compartment.Add(id)
			}
		}
	}
	return compartment, nil
}

// patientIDOfReference extracts a patient ID from a search parameter value,
// accepting a bare id or a Patient/ prefixed reference. References to other
// types cannot be analyzed here and are refused.
func patientIDOfReference(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", invalidRequestf("empty patient reference in query")
	}
	if i := strings.Index(ref, "/"); i >= 0 {
		if ref[:i] != "Patient" {
			return "", invalidRequestf("reference %s is not a patient", ref)
		}
		return ref[i+1:], nil
	}
	return ref, nil
}

// fromBody resolves a single-resource write. The declared resource type must
// match the path resource type.
func (rv *Resolver) fromBody(req *Request) (Compartment, error) {
	if req.Method() == "PUT" && req.ID() == "" {
		return nil, invalidRequestf("PUT without a resource id is not allowed")
	}

	resource, err := req.Resource()
	if err != nil {
		return nil, err
	}
	declared := ResourceTypeOf(resource)
	if declared != req.ResourceType() {
		return nil, invalidRequestf(
			"resource type %s does not match request path %s", declared, req.ResourceType())
	}

	return rv.FromResource(resource)
}

// fromPatch treats PATCH like PUT: when the body carries a matching FHIR
// resource it is evaluated, otherwise the compartment comes from the path.
func (rv *Resolver) fromPatch(req *Request) (Compartment, error) {
	if req.ID() == "" {
		return nil, invalidRequestf("PATCH without a resource id is not allowed")
	}
	if resource, err := req.Resource(); err == nil && ResourceTypeOf(resource) == req.ResourceType() {
		return rv.FromResource(resource)
	}
	return rv.fromPathAndParams(req)
}

// FromResource evaluates the configured patient paths of a resource and
// collects the referenced patient IDs. A Patient resource forms its own
// compartment.
func (rv *Resolver) FromResource(resource map[string]interface{}) (Compartment, error) {
	resourceType := ResourceTypeOf(resource)
	if resourceType == "Patient" {
		compartment := NewCompartment()
		if id, _ := resource["id"].(string); id != "" {
			compartment.Add(id)
		}
		return compartment, nil
	}

	paths, ok := rv.paths[resourceType]
	if !ok {
		return NewCompartment(), nil
	}

	compartment := NewCompartment()
	for _, path := range paths {
		for _, ref := range evalReferencePath(resource, path) {
			if id, ok := strings.CutPrefix(ref, "Patient/"); ok {
				compartment.Add(id)
			}
		}
	}
	return compartment, nil
}

// evalReferencePath walks a FHIRPath-style expression over a decoded JSON
// resource and returns every reference string found at the leaf. The leading
// resource-type segment and where(...) filters are ignored; the Patient
// filter is realized by the caller keeping only Patient/ references.
func evalReferencePath(resource map[string]interface{}, path string) []string {
	segments := strings.Split(path, ".")
	nodes := []interface{}{resource}
	for i, segment := range segments {
		if i == 0 && segment == ResourceTypeOf(resource) {
			continue
		}
		if strings.HasPrefix(segment, "where(") {
			continue
		}
		var next []interface{}
		for _, node := range nodes {
			switch v := node.(type) {
			case map[string]interface{}:
				if child, ok := v[segment]; ok {
					next = append(next, flatten(child)...)
				}
			case []interface{}:
				for _, item := range v {
					if m, ok := item.(map[string]interface{}); ok {
						if child, ok := m[segment]; ok {
							next = append(next, flatten(child)...)
						}
					}
				}
			}
		}
		nodes = next
	}

	var refs []string
	for _, node := range nodes {
		switch v := node.(type) {
		case map[string]interface{}:
			if ref, ok := v["reference"].(string); ok {
				refs = append(refs, ref)
			}
		case string:
			refs = append(refs, v)
		}
	}
	return refs
}

// flatten expands arrays so path evaluation treats single values and
// repeating elements uniformly.
func flatten(node interface{}) []interface{} {
	if arr, ok := node.([]interface{}); ok {
		return arr
	}
	return []interface{}{node}
}
