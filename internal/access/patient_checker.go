package access

import (
	"context"
	"fmt"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// PatientIDClaim names the token claim pinning the caller to one patient.
const PatientIDClaim = "patient_id"

// PatientCheckerFactory builds single-patient checkers: the caller may only
// touch the one patient named by the token, and may not create patients.
type PatientCheckerFactory struct {
	resolver *fhir.Resolver
}

// NewPatientCheckerFactory creates the factory. Safe for concurrent use.
func NewPatientCheckerFactory(resolver *fhir.Resolver) *PatientCheckerFactory {
	return &PatientCheckerFactory{resolver: resolver}
}

func (f *PatientCheckerFactory) NewChecker(ctx context.Context, token *auth.VerifiedToken) (Checker, error) {
	patientID := token.Claims.String(PatientIDClaim)
	if patientID == "" {
		return nil, fmt.Errorf("token has no %s claim", PatientIDClaim)
	}
	return &patientChecker{patientID: patientID, resolver: f.resolver}, nil
}

type patientChecker struct {
	patientID string
	resolver  *fhir.Resolver
}

func (c *patientChecker) CheckAccess(ctx context.Context, req *fhir.Request) (*Decision, error) {
	if t := req.ResourceType(); t != "" && !c.resolver.Supported(t) {
		return nil, &fhir.InvalidRequestError{Reason: "resource type " + t + " is not supported"}
	}

	compartment, err := c.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}

	// Patient creation is disallowed for single-patient callers.
	if req.Method() == "POST" && req.ResourceType() == "Patient" {
		return Deny(), nil
	}

	if len(compartment) == 1 && compartment.Contains(c.patientID) {
		return Grant(), nil
	}
	return Deny(), nil
}
