package access

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// Pipeline combines the allowed-queries checker with the configured access
// checker. An allowed-queries match short-circuits to a grant without
// consulting the checker; otherwise the checker decides, and its
// post-process hook is carried through the decision.
type Pipeline struct {
	allowed *AllowedQueries
	factory Factory
	logger  zerolog.Logger
}

// NewPipeline creates a decision pipeline. allowed may be nil when no
// allowed-queries file is configured.
func NewPipeline(allowed *AllowedQueries, factory Factory, logger zerolog.Logger) *Pipeline {
	return &Pipeline{allowed: allowed, factory: factory, logger: logger}
}

// Decide produces the access decision for one request. An
// *fhir.InvalidRequestError from the checker propagates so the HTTP layer
// answers 400 rather than 403; a checker that cannot be constructed for the
// token (missing claim) denies.
func (p *Pipeline) Decide(ctx context.Context, token *auth.VerifiedToken, req *fhir.Request) (*Decision, error) {
	if p.allowed.Match(req) {
		return Grant(), nil
	}

	checker, err := p.factory.NewChecker(ctx, token)
	if err != nil {
		p.logger.Warn().Err(err).Msg("access checker construction failed, denying")
		return Deny(), nil
	}
	return checker.CheckAccess(ctx, req)
}
