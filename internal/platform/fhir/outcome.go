package fhir

import "fmt"

// OperationOutcome severity and issue-type codes from FHIR R4.
const (
	IssueSeverityError       = "error"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes used by the proxy.
const (
	IssueTypeInvalid   = "invalid"
	IssueTypeSecurity  = "security"
	IssueTypeForbidden = "forbidden"
	IssueTypeException = "exception"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// InvalidRequestError marks a request whose shape the proxy refuses to
// authorize: type mismatch, forbidden query shape, unresolvable patient,
// disallowed method, malformed bundle. The HTTP layer maps it to 400 with an
// invalid-request OperationOutcome body.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return e.Reason }

// Outcome returns the OperationOutcome body for this error.
func (e *InvalidRequestError) Outcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, e.Reason)
}

func invalidRequestf(format string, args ...interface{}) *InvalidRequestError {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}
