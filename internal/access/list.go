package access

import (
	"context"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// claimPatientList names the List resource enumerating the patients a token
// may touch.
const claimPatientList = "patient_list"

// listChecker authorizes against a backend List resource: every patient a
// request touches must be an item of the token's list. New patients are let
// in and appended to the list after the backend accepts them.
type listChecker struct {
	inspector *fhir.Inspector
	backend   *backend.Client
	logger    zerolog.Logger
}

func newListChecker(deps Deps) *listChecker {
	return &listChecker{inspector: deps.Inspector, backend: deps.Backend, logger: deps.Logger}
}

func (c *listChecker) Name() string { return "list" }

func (c *listChecker) Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error) {
	listID := token.StringClaim(claimPatientList)
	if listID == "" {
		return Deny("token carries no patient_list claim"), nil
	}

	// The list itself is readable by its owner.
	if (req.Method == http.MethodGet || req.Method == http.MethodHead) &&
		req.ResourceType == "List" && req.ResourceID == listID {
		return Granted(), nil
	}

	if req.IsBundleRequest() {
		return c.checkBundle(ctx, req, listID)
	}
	if req.ResourceType == "" {
		return Deny("requests without a resource type are not allowed"), nil
	}

	// A new patient joins the list once the backend accepts it.
	if req.Method == http.MethodPost && req.ResourceType == "Patient" {
		return GrantedWithPost(NewListAppender(c.backend, listID, c.logger)), nil
	}

	ids, err := c.collectIDs(req)
	if err != nil {
		return nil, err
	}

	if req.Method == http.MethodPut && req.ResourceType == "Patient" && req.ResourceID != "" {
		member, err := c.membership(ctx, listID, ids)
		if err != nil {
			return nil, err
		}
		if member {
			return Granted(), nil
		}
		// Client-assigned-id creation: grant and append.
		return GrantedWithPost(NewListAppender(c.backend, listID, c.logger, req.ResourceID)), nil
	}

	if ids.Empty() {
		return Deny("request is not scoped to patients on the authorized list"), nil
	}
	member, err := c.membership(ctx, listID, ids)
	if err != nil {
		return nil, err
	}
	if !member {
		return Deny("request touches patients outside the authorized list"), nil
	}
	return Granted(), nil
}

// collectIDs gathers every patient id the request touches, from the URL and
// from the body where the method implies one.
func (c *listChecker) collectIDs(req *RequestView) (fhir.PatientSet, error) {
	ids, err := c.inspector.PatientsFromParams(req.ResourceType, req.Query)
	if err != nil {
		return nil, err
	}
	if req.ResourceType == "Patient" && req.ResourceID != "" {
		ids.Add(req.ResourceID)
	}

	switch req.Method {
	case http.MethodPost, http.MethodPut:
		body, err := req.Body()
		if err != nil {
			return nil, fhir.InvalidRequest("reading request body").WithCause(err)
		}
		set, err := c.inspector.PatientsFromBody(req.ResourceType, body)
		if err != nil {
			return nil, err
		}
		ids.AddAll(set)
	case http.MethodPatch:
		body, err := req.Body()
		if err != nil {
			return nil, fhir.InvalidRequest("reading request body").WithCause(err)
		}
		set, err := c.inspector.PatientsFromPatch(req.ResourceType, body)
		if err != nil {
			return nil, err
		}
		ids.AddAll(set)
	}
	return ids, nil
}

func (c *listChecker) checkBundle(ctx context.Context, req *RequestView, listID string) (*Decision, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fhir.InvalidRequest("reading request body").WithCause(err)
	}
	bp, err := c.inspector.InspectBundle(body)
	if err != nil {
		return nil, err
	}

	// Every entry must prove its own scope. Unioning first would let an
	// entry with an unprovable footprint ride along with its siblings.
	for _, set := range bp.Referenced {
		if set.Empty() {
			return Deny("bundle entry is not scoped to patients on the authorized list"), nil
		}
	}

	ids := bp.ReferencedUnion()
	ids.AddAll(bp.Updated)

	if !ids.Empty() {
		member, err := c.membership(ctx, listID, ids)
		if err != nil {
			return nil, err
		}
		if !member {
			return Deny("bundle touches patients outside the authorized list"), nil
		}
	} else if !bp.CreatesPatient {
		return Deny("bundle is not scoped to patients on the authorized list"), nil
	}

	if bp.CreatesPatient {
		return GrantedWithPost(NewListAppender(c.backend, listID, c.logger)), nil
	}
	return Granted(), nil
}

// membership asks the backend whether every id is an item of the list.
// Repeated item parameters AND together, so one query answers for the whole
// set: total is 1 exactly when the list matches all of them.
func (c *listChecker) membership(ctx context.Context, listID string, ids fhir.PatientSet) (bool, error) {
	query := url.Values{}
	query.Set("_id", listID)
	query.Set("_elements", "id")
	for _, id := range ids.Values() {
		query.Add("item", "Patient/"+id)
	}

	bundle, err := c.backend.Search(ctx, "List", query)
	if err != nil {
		return false, err
	}
	member := bundle.Total != nil && *bundle.Total == 1
	if !member {
		c.logger.Debug().Str("list", listID).Strs("patients", ids.Values()).Msg("list membership check failed")
	}
	return member, nil
}
