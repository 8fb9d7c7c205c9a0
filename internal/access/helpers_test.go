package access

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

func testInspector(t *testing.T) *fhir.Inspector {
	t.Helper()
	compartment, err := fhir.LoadPatientCompartment()
	if err != nil {
		t.Fatalf("LoadPatientCompartment: %v", err)
	}
	paths, err := fhir.LoadPatientPaths()
	if err != nil {
		t.Fatalf("LoadPatientPaths: %v", err)
	}
	return fhir.NewInspector(compartment, paths, []string{"Binary"})
}

func testToken(claims map[string]interface{}) *auth.DecodedToken {
	tok := &auth.DecodedToken{Claims: jwt.MapClaims(claims)}
	if sub, ok := claims["sub"].(string); ok {
		tok.Subject = sub
	}
	return tok
}

func newView(method, target, body string) *RequestView {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return NewRequestView(req)
}
