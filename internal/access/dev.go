package access

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

// devChecker grants everything. It exists so a local stack can run without
// policy wiring and is only constructable in DEV mode.
type devChecker struct {
	logger zerolog.Logger
}

func newDevChecker(deps Deps) *devChecker {
	return &devChecker{logger: deps.Logger}
}

func (c *devChecker) Name() string { return "dev" }

func (c *devChecker) Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error) {
	c.logger.Warn().
		Str("method", req.Method).
		Str("path", req.Path).
		Msg("dev access checker granted request without policy evaluation")
	return Granted(), nil
}
