package fhir

import (
	"reflect"
	"testing"
)

func TestLoadPatientCompartment(t *testing.T) {
	pc, err := LoadPatientCompartment()
	if err != nil {
		t.Fatalf("LoadPatientCompartment: %v", err)
	}

	if !pc.Contains("Observation") {
		t.Error("Observation should be in the patient compartment")
	}
	if !pc.Contains("Encounter") {
		t.Error("Encounter should be in the patient compartment")
	}
	if pc.Contains("Questionnaire") {
		t.Error("Questionnaire should not be in the patient compartment")
	}
	if pc.Contains("Device") {
		t.Error("Device should not be in the patient compartment")
	}

	if got, want := pc.SearchParams("Claim"), []string{"patient", "payee"}; !reflect.DeepEqual(got, want) {
		t.Errorf("SearchParams(Claim) = %v, want %v", got, want)
	}
	if got, want := pc.SearchParams("Coverage"), []string{"policy-holder", "subscriber", "beneficiary", "payor"}; !reflect.DeepEqual(got, want) {
		t.Errorf("SearchParams(Coverage) = %v, want %v", got, want)
	}
	if got := pc.SearchParams("Questionnaire"); got != nil {
		t.Errorf("SearchParams(Questionnaire) = %v, want nil", got)
	}

	if n := len(pc.Members()); n < 60 {
		t.Errorf("patient compartment has %d members, expected the full R4 set", n)
	}
}
