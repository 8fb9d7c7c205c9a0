package fhir

import (
	"sort"
	"testing"
)

func TestLoadPatientPaths(t *testing.T) {
	pp, err := LoadPatientPaths()
	if err != nil {
		t.Fatalf("LoadPatientPaths: %v", err)
	}

	if !pp.Known("Observation") {
		t.Error("path table should know Observation")
	}
	if pp.Known("Patient") {
		t.Error("Patient bodies are handled by id, not by the path table")
	}
	if exprs := pp.Expressions("Observation"); len(exprs) != 2 {
		t.Errorf("Observation has %d expressions, want 2", len(exprs))
	}
}

func TestCompartmentElement(t *testing.T) {
	pp, err := LoadPatientPaths()
	if err != nil {
		t.Fatalf("LoadPatientPaths: %v", err)
	}

	tests := []struct {
		resourceType string
		element      string
		want         bool
	}{
		{"Observation", "subject", true},
		{"Observation", "performer", true},
		{"Observation", "note", false},
		{"Immunization", "patient", true},
		{"Coverage", "beneficiary", true},
		{"Questionnaire", "subject", false},
	}
	for _, tt := range tests {
		if got := pp.CompartmentElement(tt.resourceType, tt.element); got != tt.want {
			t.Errorf("CompartmentElement(%s, %s) = %v, want %v", tt.resourceType, tt.element, got, tt.want)
		}
	}
}

// Every compartment member must have body extraction paths; Patient itself is
// special-cased on its own id.
func TestPathTableCoversCompartment(t *testing.T) {
	pc, err := LoadPatientCompartment()
	if err != nil {
		t.Fatalf("LoadPatientCompartment: %v", err)
	}
	pp, err := LoadPatientPaths()
	if err != nil {
		t.Fatalf("LoadPatientPaths: %v", err)
	}

	for _, member := range pc.Members() {
		if member == "Patient" {
			continue
		}
		if !pp.Known(member) {
			t.Errorf("compartment member %s has no patient reference paths", member)
		}
	}

	// The reverse must hold too: every type the table lists is a member.
	members := make(map[string]bool)
	for _, m := range pc.Members() {
		members[m] = true
	}
	types := pp.ResourceTypes()
	if !sort.StringsAreSorted(types) {
		t.Error("ResourceTypes should be sorted")
	}
	for _, rt := range types {
		if !members[rt] {
			t.Errorf("path table lists %s, which is not a compartment member", rt)
		}
	}
}

func TestPathTableExtraction(t *testing.T) {
	pp, err := LoadPatientPaths()
	if err != nil {
		t.Fatalf("LoadPatientPaths: %v", err)
	}

	tests := []struct {
		name     string
		resource map[string]interface{}
		want     string
	}{
		{
			"encounter subject",
			map[string]interface{}{
				"resourceType": "Encounter",
				"subject":      map[string]interface{}{"reference": "Patient/p1"},
			},
			"Patient/p1",
		},
		{
			"appointment participant",
			map[string]interface{}{
				"resourceType": "Appointment",
				"participant": []interface{}{
					map[string]interface{}{"actor": map[string]interface{}{"reference": "Patient/p2"}},
				},
			},
			"Patient/p2",
		},
		{
			"claim payee party",
			map[string]interface{}{
				"resourceType": "Claim",
				"payee":        map[string]interface{}{"party": map[string]interface{}{"reference": "Patient/p3"}},
			},
			"Patient/p3",
		},
		{
			"group member entity",
			map[string]interface{}{
				"resourceType": "Group",
				"member": []interface{}{
					map[string]interface{}{"entity": map[string]interface{}{"reference": "Patient/p4"}},
				},
			},
			"Patient/p4",
		},
		{
			"medication administration performer actor",
			map[string]interface{}{
				"resourceType": "MedicationAdministration",
				"performer": []interface{}{
					map[string]interface{}{"actor": map[string]interface{}{"reference": "Patient/p5"}},
				},
			},
			"Patient/p5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := tt.resource["resourceType"].(string)
			var found bool
			for _, expr := range pp.Expressions(rt) {
				refs, err := expr.EvaluateStrings(tt.resource)
				if err != nil {
					t.Fatalf("evaluate %s: %v", expr, err)
				}
				for _, ref := range refs {
					if ref == tt.want {
						found = true
					}
				}
			}
			if !found {
				t.Errorf("no path expression for %s yielded %s", rt, tt.want)
			}
		})
	}
}
