package fhir

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed data/CompartmentDefinition-patient.json
var patientCompartmentJSON []byte

// CompartmentDefinition mirrors the parts of the FHIR CompartmentDefinition
// resource the gateway reads. The full R4 patient compartment ships embedded
// in the binary so startup never depends on fetching it.
type CompartmentDefinition struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id"`
	Code         string                `json:"code"`
	Resource     []CompartmentResource `json:"resource"`
}

// CompartmentResource names one member resource type and the search
// parameters that link it into the compartment.
type CompartmentResource struct {
	Code  string   `json:"code"`
	Param []string `json:"param,omitempty"`
}

// PatientCompartment indexes the patient CompartmentDefinition by member
// resource type for constant-time lookups during request inspection.
type PatientCompartment struct {
	params map[string][]string
}

// LoadPatientCompartment parses the embedded patient CompartmentDefinition.
// The gateway treats a load failure as fatal at startup.
func LoadPatientCompartment() (*PatientCompartment, error) {
	var def CompartmentDefinition
	if err := json.Unmarshal(patientCompartmentJSON, &def); err != nil {
		return nil, fmt.Errorf("parsing patient compartment definition: %w", err)
	}
	if def.ResourceType != "CompartmentDefinition" || def.Code != "Patient" {
		return nil, fmt.Errorf("embedded compartment definition is not the patient compartment (code %q)", def.Code)
	}
	pc := &PatientCompartment{params: make(map[string][]string, len(def.Resource))}
	for _, r := range def.Resource {
		if r.Code == "" {
			return nil, fmt.Errorf("patient compartment definition has a member with no resource type")
		}
		if len(r.Param) == 0 {
			// Members without linking parameters never scope to a patient.
			continue
		}
		pc.params[r.Code] = r.Param
	}
	return pc, nil
}

// Contains reports whether the resource type is linked into the patient
// compartment.
func (pc *PatientCompartment) Contains(resourceType string) bool {
	_, ok := pc.params[resourceType]
	return ok
}

// SearchParams returns the search parameters that link the resource type into
// the patient compartment, or nil when the type is not a member.
func (pc *PatientCompartment) SearchParams(resourceType string) []string {
	return pc.params[resourceType]
}

// Members lists every resource type linked into the compartment.
func (pc *PatientCompartment) Members() []string {
	out := make([]string, 0, len(pc.params))
	for t := range pc.params {
		out = append(out, t)
	}
	return out
}
