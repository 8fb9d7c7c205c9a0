package fhir

import "strings"

// ParseReference splits a FHIR reference string into resource type and logical
// id. It accepts relative references ("Patient/123"), absolute references
// ("https://fhir.example.com/base/Patient/123") and versioned references
// ("Patient/123/_history/2"). Contained references ("#p1") and logical
// identifiers cannot be resolved and report ok=false.
func ParseReference(ref string) (resourceType, id string, ok bool) {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return "", "", false
	}
	if i := strings.Index(ref, "?"); i >= 0 {
		// Conditional references carry search criteria, not an id.
		return "", "", false
	}
	if i := strings.Index(ref, "://"); i >= 0 {
		ref = ref[i+3:]
	}
	segs := strings.Split(strings.Trim(ref, "/"), "/")
	// Drop a trailing version marker.
	if len(segs) >= 4 && segs[len(segs)-2] == "_history" {
		segs = segs[:len(segs)-2]
	}
	if len(segs) < 2 {
		return "", "", false
	}
	resourceType = segs[len(segs)-2]
	id = segs[len(segs)-1]
	if resourceType == "" || id == "" {
		return "", "", false
	}
	if resourceType[0] < 'A' || resourceType[0] > 'Z' {
		return "", "", false
	}
	return resourceType, id, true
}

// PatientID returns the logical id when ref points at a Patient resource.
func PatientID(ref string) (string, bool) {
	resourceType, id, ok := ParseReference(ref)
	if !ok || resourceType != "Patient" {
		return "", false
	}
	return id, true
}
