package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestMetadata(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusOK, fmt.Sprintf(
		`{"resourceType":"CapabilityStatement","status":"active","url":"%s/metadata","rest":[{"mode":"server"}]}`,
		f.backend.URL))

	rec := f.do(newRequest(http.MethodGet, "/metadata", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if f.checker.calls != 0 {
		t.Error("metadata consulted the access checker")
	}

	var doc struct {
		ResourceType string `json:"resourceType"`
		URL          string `json:"url"`
		Rest         []struct {
			Security struct {
				CORS    bool `json:"cors"`
				Service []struct {
					Coding []struct {
						Code string `json:"code"`
					} `json:"coding"`
				} `json:"service"`
				Extension []struct {
					URL       string `json:"url"`
					Extension []struct {
						URL      string `json:"url"`
						ValueURI string `json:"valueUri"`
					} `json:"extension"`
				} `json:"extension"`
			} `json:"security"`
		} `json:"rest"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decoding capability statement: %v", err)
	}
	if doc.ResourceType != "CapabilityStatement" {
		t.Fatalf("resourceType = %q, want CapabilityStatement", doc.ResourceType)
	}
	if want := "http://example.com/metadata"; doc.URL != want {
		t.Errorf("url = %q, want the gateway base %q", doc.URL, want)
	}

	if len(doc.Rest) != 1 {
		t.Fatalf("rest has %d entries, want 1", len(doc.Rest))
	}
	sec := doc.Rest[0].Security
	if !sec.CORS {
		t.Error("security.cors = false, want true")
	}
	foundOAuth := false
	for _, svc := range sec.Service {
		for _, coding := range svc.Coding {
			if coding.Code == "OAuth" {
				foundOAuth = true
			}
		}
	}
	if !foundOAuth {
		t.Error("security.service carries no OAuth coding")
	}

	var authorize, token string
	for _, ext := range sec.Extension {
		if ext.URL != smartOAuthURIsExtension {
			continue
		}
		for _, inner := range ext.Extension {
			switch inner.URL {
			case "authorize":
				authorize = inner.ValueURI
			case "token":
				token = inner.ValueURI
			}
		}
	}
	if want := f.issuer.URL + "/protocol/openid-connect/auth"; authorize != want {
		t.Errorf("authorize uri = %q, want %q", authorize, want)
	}
	if want := f.issuer.URL + "/protocol/openid-connect/token"; token != want {
		t.Errorf("token uri = %q, want %q", token, want)
	}
}

func TestMetadataCreatesSecurityElement(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusOK, `{"resourceType":"CapabilityStatement","status":"active"}`)

	rec := f.do(newRequest(http.MethodGet, "/metadata", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, smartOAuthURIsExtension) {
		t.Errorf("body = %s, missing the oauth-uris extension", body)
	}
	if !strings.Contains(body, `"mode":"server"`) {
		t.Errorf("body = %s, missing the synthesized rest element", body)
	}
}

func TestMetadataBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusInternalServerError, `boom`)

	rec := f.do(newRequest(http.MethodGet, "/metadata", ""))
	wantOutcome(t, rec, http.StatusBadGateway)
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("backend error detail leaked to the client")
	}
}

func TestMetadataUnparseableBodyPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.backend.respond(http.StatusOK, `<CapabilityStatement/>`)

	rec := f.do(newRequest(http.MethodGet, "/metadata", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `<CapabilityStatement/>` {
		t.Errorf("body = %q, want the backend payload untouched", got)
	}
}
