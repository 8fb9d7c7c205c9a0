package access

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// smartChecker authorizes purely by SMART on FHIR clinical scopes. The scope
// context is patient when the token is patient-bound, user otherwise.
type smartChecker struct {
	inspector *fhir.Inspector
	logger    zerolog.Logger
}

func newSMARTChecker(deps Deps) *smartChecker {
	return &smartChecker{inspector: deps.Inspector, logger: deps.Logger}
}

func (c *smartChecker) Name() string { return "smart" }

func (c *smartChecker) Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error) {
	scopes := auth.ParseSMARTScopes(token.StringClaim(claimScope))
	if len(scopes) == 0 {
		return Deny("token carries no clinical scopes"), nil
	}

	scopeContext := "user"
	if token.StringClaim(claimPatientID) != "" {
		scopeContext = "patient"
	}

	d, err := scopeGate(scopes, scopeContext, c.inspector, req)
	if err != nil {
		return nil, err
	}
	if d != nil {
		return d, nil
	}
	return Granted(), nil
}
