package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// Post policies for the permission checker.
const (
	PostPolicyRole     = "role"
	PostPolicyDeny     = "deny"
	PostPolicyReadOnly = "readonly"
)

// permissionChecker authorizes by Keycloak realm roles. An operation on a
// resource type needs the role {METHOD}_{TYPE}; MANAGE_{TYPE} covers every
// method on that type. HEAD counts as GET.
type permissionChecker struct {
	inspector  *fhir.Inspector
	logger     zerolog.Logger
	postPolicy string
}

func newPermissionChecker(deps Deps) (*permissionChecker, error) {
	policy := deps.PostPolicy
	if policy == "" {
		policy = PostPolicyRole
	}
	switch policy {
	case PostPolicyRole, PostPolicyDeny, PostPolicyReadOnly:
	default:
		return nil, fmt.Errorf("unknown permission post policy %q", policy)
	}
	return &permissionChecker{
		inspector:  deps.Inspector,
		logger:     deps.Logger,
		postPolicy: policy,
	}, nil
}

func (c *permissionChecker) Name() string { return "permission" }

func (c *permissionChecker) Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error) {
	roles := make(map[string]bool)
	for _, r := range token.NestedStrings("realm_access", "roles") {
		roles[r] = true
	}

	if c.postPolicy == PostPolicyReadOnly && req.Method != http.MethodGet && req.Method != http.MethodHead {
		return Deny("gateway allows read operations only"), nil
	}
	if c.postPolicy == PostPolicyDeny && req.Method == http.MethodPost {
		return Deny("POST operations are disabled"), nil
	}

	if req.IsBundleRequest() {
		return c.checkBundle(req, roles)
	}
	if req.ResourceType == "" {
		return Deny("requests without a resource type are not allowed"), nil
	}

	if !allowsRole(roles, req.Method, req.ResourceType) {
		return Deny("token roles do not permit %s on %s", req.Method, req.ResourceType), nil
	}

	// Updating a Patient requires the body to agree with the URL about which
	// patient is being rewritten.
	if req.Method == http.MethodPut && req.ResourceType == "Patient" {
		body, err := req.Body()
		if err != nil {
			return nil, fhir.InvalidRequest("reading request body").WithCause(err)
		}
		ids, err := c.inspector.PatientsFromBody("Patient", body)
		if err != nil {
			return nil, err
		}
		if !ids.Has(req.ResourceID) {
			return Deny("body id does not match the patient named in the URL"), nil
		}
	}
	return Granted(), nil
}

func (c *permissionChecker) checkBundle(req *RequestView, roles map[string]bool) (*Decision, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fhir.InvalidRequest("reading request body").WithCause(err)
	}
	ops, err := c.inspector.BundleEntries(body)
	if err != nil {
		return nil, err
	}

	for i, op := range ops {
		if op.ResourceType == "" {
			return nil, fhir.InvalidRequest("bundle entry %d has no resource type", i)
		}
		if !allowsRole(roles, op.Method, op.ResourceType) {
			return Deny("token roles do not permit %s on %s", op.Method, op.ResourceType), nil
		}
		if op.Method == http.MethodPut && op.ResourceType == "Patient" && len(op.Resource) > 0 {
			ids, err := c.inspector.PatientsFromBody("Patient", op.Resource)
			if err != nil {
				return nil, err
			}
			if !ids.Has(op.ResourceID) {
				return Deny("bundle entry %d: body id does not match the entry URL", i), nil
			}
		}
	}
	return Granted(), nil
}

func allowsRole(roles map[string]bool, method, resourceType string) bool {
	if method == http.MethodHead {
		method = http.MethodGet
	}
	upper := strings.ToUpper(resourceType)
	return roles["MANAGE_"+upper] || roles[method+"_"+upper]
}
