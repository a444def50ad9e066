package access

import (
	"context"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// PermissiveFactory grants every request carrying a valid token. Allowed
// only in DEV mode; Validate in the config package enforces that.
type PermissiveFactory struct{}

// NewPermissiveFactory creates the factory.
func NewPermissiveFactory() *PermissiveFactory {
	return &PermissiveFactory{}
}

func (f *PermissiveFactory) NewChecker(ctx context.Context, token *auth.VerifiedToken) (Checker, error) {
	return permissiveChecker{}, nil
}

type permissiveChecker struct{}

func (permissiveChecker) CheckAccess(ctx context.Context, req *fhir.Request) (*Decision, error) {
	return Grant(), nil
}
