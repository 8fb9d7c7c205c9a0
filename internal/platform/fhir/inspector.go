package fhir

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// PatientSet is a set of patient logical ids collected during request
// inspection.
type PatientSet map[string]struct{}

// NewPatientSet builds a set from the given ids.
func NewPatientSet(ids ...string) PatientSet {
	s := make(PatientSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s PatientSet) Add(id string) {
	if id != "" {
		s[id] = struct{}{}
	}
}

func (s PatientSet) AddAll(other PatientSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s PatientSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s PatientSet) Empty() bool { return len(s) == 0 }

func (s PatientSet) Len() int { return len(s) }

// Only reports whether the set is non-empty and contains no id other than
// the given one.
func (s PatientSet) Only(id string) bool {
	if len(s) == 0 {
		return false
	}
	_, ok := s[id]
	return ok && len(s) == 1
}

// Values returns the ids in sorted order.
func (s PatientSet) Values() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Search parameters the gateway refuses to forward: they pull resources from
// outside the requested compartment scope.
var reservedSearchParams = map[string]bool{
	"_include":    true,
	"_revinclude": true,
	"_has":        true,
}

// ValidateSearchParams rejects queries that use reserved expansion parameters
// or chained parameters. Chains and includes can widen a search beyond the
// patient the checker authorized.
func ValidateSearchParams(query url.Values) error {
	for name := range query {
		base := name
		if i := strings.Index(base, ":"); i >= 0 {
			base = base[:i]
		}
		if reservedSearchParams[base] {
			return InvalidRequest("search parameter %q is not allowed through the gateway", name)
		}
		if strings.Contains(name, ".") {
			return InvalidRequest("chained search parameter %q is not allowed through the gateway", name)
		}
	}
	return nil
}

// Inspector derives the set of patients a request touches. It combines the
// patient compartment definition (for query parameters) with the embedded
// FHIRPath table (for resource bodies).
type Inspector struct {
	compartment *PatientCompartment
	paths       *PatientPaths
	patchTypes  map[string]bool
}

// NewInspector wires an inspector. bundlePatchTypes lists the resource types
// allowed to carry PATCH payloads inside bundles, typically just Binary.
func NewInspector(compartment *PatientCompartment, paths *PatientPaths, bundlePatchTypes []string) *Inspector {
	pt := make(map[string]bool, len(bundlePatchTypes))
	for _, t := range bundlePatchTypes {
		if t = strings.TrimSpace(t); t != "" {
			pt[t] = true
		}
	}
	return &Inspector{compartment: compartment, paths: paths, patchTypes: pt}
}

// PatientsFromParams collects patient ids from search parameters. Parameters
// that cannot be proven to reference a patient contribute nothing; callers
// treat an empty result as unprovable scope. Reserved and chained parameters
// fail the request outright.
func (ins *Inspector) PatientsFromParams(resourceType string, query url.Values) (PatientSet, error) {
	if err := ValidateSearchParams(query); err != nil {
		return nil, err
	}

	set := NewPatientSet()
	if resourceType == "Patient" {
		for _, raw := range query["_id"] {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" && !strings.Contains(id, "/") {
					set.Add(id)
				}
			}
		}
		return set, nil
	}

	for _, param := range ins.compartment.SearchParams(resourceType) {
		// A value typed to another resource (Group/5) contributes nothing;
		// Patient/123 and plain ids count as patient candidates.
		addParamValues(set, query[param])
		addParamValues(set, query[param+":Patient"])
	}
	return set, nil
}

func addParamValues(set PatientSet, values []string) {
	for _, raw := range values {
		for _, item := range strings.Split(raw, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if strings.Contains(item, "/") {
				if id, ok := PatientID(item); ok {
					set.Add(id)
				}
				continue
			}
			set.Add(item)
		}
	}
}

// PatientsFromBody collects patient ids referenced by a resource body.
// For Patient resources the body's own id is the answer. For compartment
// members a body without a recognizable patient reference is an error: the
// gateway cannot scope what it cannot see. Types outside the compartment
// return an empty set and leave the verdict to the checker.
func (ins *Inspector) PatientsFromBody(resourceType string, body []byte) (PatientSet, error) {
	var resource map[string]interface{}
	if err := json.Unmarshal(body, &resource); err != nil {
		return nil, InvalidRequest("invalid JSON body").WithCause(err)
	}
	rt, _ := resource["resourceType"].(string)
	if rt == "" {
		return nil, InvalidRequest("request body has no resourceType")
	}
	if resourceType != "" && rt != resourceType {
		return nil, InvalidRequest("body resource type %s does not match request path %s", rt, resourceType)
	}

	set := NewPatientSet()
	if rt == "Patient" {
		if id, _ := resource["id"].(string); id != "" {
			set.Add(id)
		}
		return set, nil
	}

	exprs := ins.paths.Expressions(rt)
	if exprs == nil {
		return set, nil
	}
	for _, expr := range exprs {
		refs, err := expr.EvaluateStrings(resource)
		if err != nil {
			return nil, InvalidRequest("inspecting %s body", rt).WithCause(err)
		}
		for _, ref := range refs {
			if id, ok := PatientID(ref); ok {
				set.Add(id)
			}
		}
	}
	if set.Empty() && ins.compartment.Contains(rt) {
		return nil, InvalidRequest("cannot determine patient scope: no patient reference in %s body", rt)
	}
	return set, nil
}

// PatientsFromPatch collects patient ids introduced by a JSON Patch document
// against a resource of the given type. Only add and replace operations can
// introduce new references. Remove and move operations that touch the
// resource's patient reference elements are rejected: they would detach the
// resource from its compartment without the gateway noticing.
func (ins *Inspector) PatientsFromPatch(resourceType string, body []byte) (PatientSet, error) {
	ops, err := ParseJSONPatch(body)
	if err != nil {
		return nil, InvalidRequest("invalid JSON Patch body").WithCause(err)
	}
	set := NewPatientSet()
	for _, op := range ops {
		switch op.Op {
		case "add", "replace":
			collectPatientRefs(op.Value, set)
		case "remove", "move":
			if ins.touchesPatientElement(resourceType, op.Path) || ins.touchesPatientElement(resourceType, op.From) {
				return nil, InvalidRequest("patch operation %s on %s is not allowed: it rewrites a patient reference", op.Op, op.Path)
			}
		}
	}
	return set, nil
}

// touchesPatientElement reports whether a JSON Pointer addresses one of the
// resource type's patient reference elements, at the root or below it.
func (ins *Inspector) touchesPatientElement(resourceType, pointer string) bool {
	if pointer == "" || pointer[0] != '/' {
		return false
	}
	root := pointer[1:]
	if i := strings.IndexByte(root, '/'); i >= 0 {
		root = root[:i]
	}
	return ins.paths.CompartmentElement(resourceType, root)
}

// collectPatientRefs walks an arbitrary JSON value and records every Patient
// reference it finds, whether as a bare string or a Reference.reference field.
func collectPatientRefs(v interface{}, set PatientSet) {
	switch val := v.(type) {
	case string:
		if id, ok := PatientID(val); ok {
			set.Add(id)
		}
	case map[string]interface{}:
		for _, child := range val {
			collectPatientRefs(child, set)
		}
	case []interface{}:
		for _, child := range val {
			collectPatientRefs(child, set)
		}
	}
}

// BundleEntryOp is one entry of a transaction bundle reduced to the parts
// access checkers reason about.
type BundleEntryOp struct {
	Method       string
	ResourceType string
	ResourceID   string
	Query        url.Values
	Resource     []byte
}

// BundlePatients is the patient footprint of a transaction bundle.
type BundlePatients struct {
	// Referenced holds one set per entry that touches patient-scoped data.
	// Checkers that authorize a single patient must find that patient in
	// every set, not merely in their union.
	Referenced []PatientSet
	// Updated holds the ids of Patient resources the bundle rewrites.
	Updated PatientSet
	// CreatesPatient is set when the bundle POSTs a new Patient.
	CreatesPatient bool
}

// ReferencedUnion flattens the per-entry reference sets.
func (bp *BundlePatients) ReferencedUnion() PatientSet {
	union := NewPatientSet()
	for _, set := range bp.Referenced {
		union.AddAll(set)
	}
	return union
}

// BundleEntries decodes a transaction bundle into per-entry operations.
// Other bundle types and entries without a request section fail the whole
// bundle.
func (ins *Inspector) BundleEntries(body []byte) ([]BundleEntryOp, error) {
	bundle, err := fm.UnmarshalBundle(body)
	if err != nil {
		return nil, InvalidRequest("invalid bundle body").WithCause(err)
	}
	if bundle.Type != fm.BundleTypeTransaction {
		return nil, InvalidRequest("bundle type must be transaction")
	}

	ops := make([]BundleEntryOp, 0, len(bundle.Entry))
	for i, entry := range bundle.Entry {
		if entry.Request == nil {
			return nil, InvalidRequest("bundle entry %d has no request", i)
		}
		resourceType, id, query, err := parseEntryURL(entry.Request.Url)
		if err != nil {
			return nil, InvalidRequest("bundle entry %d: %v", i, err)
		}
		ops = append(ops, BundleEntryOp{
			Method:       verbString(entry.Request.Method),
			ResourceType: resourceType,
			ResourceID:   id,
			Query:        query,
			Resource:     entry.Resource,
		})
	}
	return ops, nil
}

// InspectBundle derives the full patient footprint of a transaction bundle,
// entry by entry.
func (ins *Inspector) InspectBundle(body []byte) (*BundlePatients, error) {
	entries, err := ins.BundleEntries(body)
	if err != nil {
		return nil, err
	}

	bp := &BundlePatients{Updated: NewPatientSet()}
	for i, op := range entries {
		switch op.Method {
		case "GET", "HEAD", "DELETE":
			if op.ResourceType == "" || !ins.patientScoped(op.ResourceType) {
				continue
			}
			set, err := ins.PatientsFromParams(op.ResourceType, op.Query)
			if err != nil {
				return nil, InvalidRequest("bundle entry %d: %v", i, err)
			}
			if op.ResourceType == "Patient" && op.ResourceID != "" {
				set.Add(op.ResourceID)
			}
			// An empty set stays in: a member-type read whose scope cannot
			// be proven must fail a per-patient membership check.
			bp.Referenced = append(bp.Referenced, set)

		case "POST":
			if op.ResourceType == "Patient" {
				bp.CreatesPatient = true
				continue
			}
			if len(op.Resource) == 0 {
				return nil, InvalidRequest("bundle entry %d has no resource", i)
			}
			set, err := ins.PatientsFromBody(op.ResourceType, op.Resource)
			if err != nil {
				return nil, err
			}
			if !set.Empty() {
				bp.Referenced = append(bp.Referenced, set)
			}

		case "PUT":
			if op.ResourceType == "Patient" {
				if op.ResourceID == "" {
					return nil, InvalidRequest("bundle entry %d: conditional patient update is not supported", i)
				}
				bp.Updated.Add(op.ResourceID)
				if len(op.Resource) > 0 {
					set, err := ins.PatientsFromBody("Patient", op.Resource)
					if err != nil {
						return nil, err
					}
					bp.Updated.AddAll(set)
				}
				continue
			}
			if len(op.Resource) == 0 {
				return nil, InvalidRequest("bundle entry %d has no resource", i)
			}
			set, err := ins.PatientsFromBody(op.ResourceType, op.Resource)
			if err != nil {
				return nil, err
			}
			if !set.Empty() {
				bp.Referenced = append(bp.Referenced, set)
			}

		case "PATCH":
			set, err := ins.patientsFromBundlePatch(i, op)
			if err != nil {
				return nil, err
			}
			if !set.Empty() {
				bp.Referenced = append(bp.Referenced, set)
			}
			if op.ResourceType == "Patient" && op.ResourceID != "" {
				bp.Updated.Add(op.ResourceID)
			}

		default:
			return nil, InvalidRequest("bundle entry %d: method %s is not supported", i, op.Method)
		}
	}
	return bp, nil
}

// patientScoped reports whether a resource type carries patient data the
// gateway must scope: Patient itself or any compartment member.
func (ins *Inspector) patientScoped(resourceType string) bool {
	return resourceType == "Patient" || ins.compartment.Contains(resourceType)
}

// patientsFromBundlePatch unwraps a PATCH entry. FHIR carries JSON Patch
// payloads in bundles inside a Binary resource; only the configured carrier
// types are accepted.
func (ins *Inspector) patientsFromBundlePatch(index int, op BundleEntryOp) (PatientSet, error) {
	if len(op.Resource) == 0 {
		return nil, InvalidRequest("bundle entry %d has no resource", index)
	}
	var carrier struct {
		ResourceType string `json:"resourceType"`
		ContentType  string `json:"contentType"`
		Data         string `json:"data"`
	}
	if err := json.Unmarshal(op.Resource, &carrier); err != nil {
		return nil, InvalidRequest("bundle entry %d: invalid PATCH resource", index).WithCause(err)
	}
	if !ins.patchTypes[carrier.ResourceType] {
		return nil, InvalidRequest("bundle entry %d: PATCH payload type %s is not allowed", index, carrier.ResourceType)
	}
	if carrier.ResourceType != "Binary" {
		// Non-Binary carriers pass the type gate but expose no patch to
		// inspect; the backend decides what to do with them.
		return NewPatientSet(), nil
	}
	if carrier.ContentType != "" && carrier.ContentType != "application/json-patch+json" {
		return nil, InvalidRequest("bundle entry %d: PATCH content type %s is not supported", index, carrier.ContentType)
	}
	raw, err := base64.StdEncoding.DecodeString(carrier.Data)
	if err != nil {
		return nil, InvalidRequest("bundle entry %d: PATCH data is not valid base64", index).WithCause(err)
	}
	set, err := ins.PatientsFromPatch(op.ResourceType, raw)
	if err != nil {
		return nil, InvalidRequest("bundle entry %d: %v", index, err)
	}
	return set, nil
}

// parseEntryURL splits a bundle entry request URL into resource type, id and
// query parameters.
func parseEntryURL(raw string) (resourceType, id string, query url.Values, err error) {
	pathPart := raw
	if i := strings.Index(raw, "?"); i >= 0 {
		pathPart = raw[:i]
		query, err = url.ParseQuery(raw[i+1:])
		if err != nil {
			return "", "", nil, err
		}
	}
	segs := strings.Split(strings.Trim(pathPart, "/"), "/")
	if len(segs) > 0 && segs[0] != "" && segs[0][0] >= 'A' && segs[0][0] <= 'Z' {
		resourceType = segs[0]
		if len(segs) > 1 && segs[1] != "" && segs[1][0] != '$' && segs[1][0] != '_' {
			id = segs[1]
		}
	}
	return resourceType, id, query, nil
}

func verbString(v fm.HTTPVerb) string {
	switch v {
	case fm.HTTPVerbGET:
		return "GET"
	case fm.HTTPVerbHEAD:
		return "HEAD"
	case fm.HTTPVerbPOST:
		return "POST"
	case fm.HTTPVerbPUT:
		return "PUT"
	case fm.HTTPVerbDELETE:
		return "DELETE"
	case fm.HTTPVerbPATCH:
		return "PATCH"
	default:
		return ""
	}
}
