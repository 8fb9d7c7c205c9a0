package access

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// claimPatientID binds a token to a single patient.
const claimPatientID = "patient_id"

// claimScope carries space-separated SMART scopes.
const claimScope = "scope"

// patientChecker scopes every operation to the one patient named in the
// token. Ids derived from the URL must all equal the claim; sets derived
// from bodies and patches must contain it. When the token also carries SMART
// scopes they gate the operation first.
type patientChecker struct {
	inspector *fhir.Inspector
	logger    zerolog.Logger
}

func newPatientChecker(deps Deps) *patientChecker {
	return &patientChecker{inspector: deps.Inspector, logger: deps.Logger}
}

func (c *patientChecker) Name() string { return "patient" }

func (c *patientChecker) Check(ctx context.Context, req *RequestView, token *auth.DecodedToken) (*Decision, error) {
	if !token.HasClaim(claimPatientID) {
		return Deny("token carries no patient_id claim"), nil
	}
	claim := token.StringClaim(claimPatientID)
	if claim == "" {
		return Deny("patient_id claim is empty"), nil
	}

	if scopes := auth.ParseSMARTScopes(token.StringClaim(claimScope)); len(scopes) > 0 {
		d, err := scopeGate(scopes, "patient", c.inspector, req)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}
	}

	if req.IsBundleRequest() {
		return c.checkBundle(req, claim)
	}
	if req.ResourceType == "" {
		return Deny("requests without a resource type are not allowed"), nil
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return c.checkRead(req, claim)
	case http.MethodDelete:
		if req.ResourceType == "Patient" {
			return Deny("deleting Patient resources is not allowed"), nil
		}
		return c.checkRead(req, claim)
	case http.MethodPost:
		if req.ResourceType == "Patient" {
			return Deny("creating Patient resources is not allowed"), nil
		}
		return c.checkCreate(req, claim)
	case http.MethodPut:
		return c.checkUpdate(req, claim)
	case http.MethodPatch:
		return c.checkPatch(req, claim)
	default:
		return Deny("method %s is not allowed", req.Method), nil
	}
}

// checkRead covers GET, HEAD and DELETE: every id the URL names must be the
// authorized patient, and at least one id must be provable.
func (c *patientChecker) checkRead(req *RequestView, claim string) (*Decision, error) {
	ids, err := c.inspector.PatientsFromParams(req.ResourceType, req.Query)
	if err != nil {
		return nil, err
	}
	if req.ResourceType == "Patient" && req.ResourceID != "" {
		ids.Add(req.ResourceID)
	}
	if !ids.Only(claim) {
		return Deny("request is not scoped to the authorized patient"), nil
	}
	return Granted(), nil
}

func (c *patientChecker) checkCreate(req *RequestView, claim string) (*Decision, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fhir.InvalidRequest("reading request body").WithCause(err)
	}
	ids, err := c.inspector.PatientsFromBody(req.ResourceType, body)
	if err != nil {
		return nil, err
	}
	if !ids.Has(claim) {
		return Deny("resource does not reference the authorized patient"), nil
	}
	return Granted(), nil
}

func (c *patientChecker) checkUpdate(req *RequestView, claim string) (*Decision, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fhir.InvalidRequest("reading request body").WithCause(err)
	}
	ids, err := c.inspector.PatientsFromBody(req.ResourceType, body)
	if err != nil {
		return nil, err
	}

	if req.ResourceType == "Patient" {
		if req.ResourceID != claim {
			return Deny("only the authorized patient record may be updated"), nil
		}
		if !ids.Empty() && !ids.Only(claim) {
			return Deny("body id does not match the authorized patient"), nil
		}
		return Granted(), nil
	}

	if !ids.Has(claim) {
		return Deny("resource does not reference the authorized patient"), nil
	}
	urlIDs, err := c.inspector.PatientsFromParams(req.ResourceType, req.Query)
	if err != nil {
		return nil, err
	}
	if !urlIDs.Empty() && !urlIDs.Only(claim) {
		return Deny("query is not scoped to the authorized patient"), nil
	}
	return Granted(), nil
}

func (c *patientChecker) checkPatch(req *RequestView, claim string) (*Decision, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fhir.InvalidRequest("reading request body").WithCause(err)
	}
	set, err := c.inspector.PatientsFromPatch(req.ResourceType, body)
	if err != nil {
		return nil, err
	}

	if req.ResourceType == "Patient" {
		if req.ResourceID != claim {
			return Deny("only the authorized patient record may be patched"), nil
		}
		if !set.Empty() && !set.Only(claim) {
			return Deny("patch introduces references to other patients"), nil
		}
		return Granted(), nil
	}

	if !set.Has(claim) {
		return Deny("patch does not reference the authorized patient"), nil
	}
	return Granted(), nil
}

func (c *patientChecker) checkBundle(req *RequestView, claim string) (*Decision, error) {
	body, err := req.Body()
	if err != nil {
		return nil, fhir.InvalidRequest("reading request body").WithCause(err)
	}
	bp, err := c.inspector.InspectBundle(body)
	if err != nil {
		return nil, err
	}

	if bp.CreatesPatient {
		return Deny("bundle creates a new Patient"), nil
	}
	if !bp.Updated.Empty() && !bp.Updated.Only(claim) {
		return Deny("bundle updates a patient other than the authorized one"), nil
	}
	for _, set := range bp.Referenced {
		if !set.Has(claim) {
			return Deny("bundle entry is not scoped to the authorized patient"), nil
		}
	}
	return Granted(), nil
}
