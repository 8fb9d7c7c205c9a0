package access

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// Mutation rewrites the outbound request before forwarding. It never touches
// the request body. Path, when set, replaces the forwarded request path.
type Mutation struct {
	AddParams    url.Values
	RemoveParams []string
	Path         string
}

// Apply folds the mutation into a query.
func (m *Mutation) Apply(query url.Values) url.Values {
	out := url.Values{}
	for k, vs := range query {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range m.RemoveParams {
		delete(out, k)
	}
	for k, vs := range m.AddParams {
		out[k] = append(out[k], vs...)
	}
	return out
}

// Decision is a checker verdict. Denied decisions are final; granted ones
// may carry a query mutation and a post-processor.
type Decision struct {
	Allowed  bool
	Reason   string
	Mutation *Mutation
	Post     PostProcessor
}

// Granted allows the request as-is.
func Granted() *Decision { return &Decision{Allowed: true} }

// GrantedWithPost allows the request and runs post while responding.
func GrantedWithPost(post PostProcessor) *Decision {
	return &Decision{Allowed: true, Post: post}
}

// GrantedWithMutation allows the request after rewriting its query.
func GrantedWithMutation(m *Mutation) *Decision {
	return &Decision{Allowed: true, Mutation: m}
}

// Deny refuses the request with a diagnostic that ends up in the
// OperationOutcome.
func Deny(format string, args ...interface{}) *Decision {
	return &Decision{Reason: fmt.Sprintf(format, args...)}
}

// UpstreamResponse is a buffered backend response handed to a
// post-processor.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PostProcessor runs after the backend answered, exactly once. A non-nil
// returned body replaces the response body; nil keeps the original. Errors
// fail the request unless the processor swallows them itself.
type PostProcessor interface {
	Process(ctx context.Context, resp *UpstreamResponse) ([]byte, error)
}

// Checker is one access-policy variant. Returned errors describe broken
// requests (400) or gateway trouble (502/504); policy refusals are Denied
// decisions, not errors.
type Checker interface {
	Name() string
	Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error)
}

// Deps carries everything a checker constructor may need.
type Deps struct {
	Inspector *fhir.Inspector
	Backend   *backend.Client
	Logger    zerolog.Logger

	// permission checker
	PostPolicy string

	// data checker
	IgnoredTypes           []string
	AllowedStructureMapIDs []string

	// dev checker gate
	DevMode bool
}

// NewChecker builds the configured checker variant. The empty variant is the
// development allow-all checker and is refused outside DEV mode.
func NewChecker(variant string, deps Deps) (Checker, error) {
	switch variant {
	case "patient":
		return newPatientChecker(deps), nil
	case "list":
		return newListChecker(deps), nil
	case "permission":
		return newPermissionChecker(deps)
	case "smart":
		return newSMARTChecker(deps), nil
	case "data":
		return newDataChecker(deps), nil
	case "":
		if !deps.DevMode {
			return nil, fmt.Errorf("no access checker configured: set ACCESS_CHECKER or run with RUN_MODE=DEV")
		}
		return newDevChecker(deps), nil
	default:
		return nil, fmt.Errorf("unknown access checker %q", variant)
	}
}

// scopeGate applies SMART clinical scopes to a request. A nil decision means
// the scopes do not object; the caller's own policy still applies.
func scopeGate(scopes []auth.SMARTScope, scopeContext string, ins *fhir.Inspector, req *RequestView) (*Decision, error) {
	if req.IsBundleRequest() {
		body, err := req.Body()
		if err != nil {
			return nil, fhir.InvalidRequest("reading request body").WithCause(err)
		}
		ops, err := ins.BundleEntries(body)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if d := scopeGateOne(scopes, scopeContext, op.Method, op.ResourceType, op.ResourceID); d != nil {
				return d, nil
			}
		}
		return nil, nil
	}
	return scopeGateOne(scopes, scopeContext, req.Method, req.ResourceType, req.ResourceID), nil
}

func scopeGateOne(scopes []auth.SMARTScope, scopeContext, method, resourceType, resourceID string) *Decision {
	if resourceType == "" {
		return Deny("granted scopes do not cover requests without a resource type")
	}
	perm, ok := auth.RequiredPermission(method, resourceID != "")
	if !ok {
		return Deny("method %s is not covered by the granted scopes", method)
	}
	if !auth.ScopesAllow(scopes, scopeContext, resourceType, perm) {
		return Deny("granted scopes do not allow %s on %s", method, resourceType)
	}
	return nil
}
