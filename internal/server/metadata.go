package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// smartOAuthURIsExtension names a server's OAuth endpoints inside the
// CapabilityStatement security element.
const smartOAuthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

const restfulSecuritySystem = "http://terminology.hl7.org/CodeSystem/restful-security-service"

// Metadata proxies the backend CapabilityStatement and advertises the
// gateway's OAuth endpoints in it. The statement is edited as a JSON map so
// backend-specific fields survive untouched. Served without authentication,
// as the FHIR spec requires.
func (g *Gateway) Metadata(c echo.Context) error {
	req := c.Request()
	resp, err := g.backend.Forward(req.Context(), http.MethodGet, "metadata", req.URL.Query(), nil, nil)
	if err != nil {
		return g.fail(c, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		g.logger.Warn().Int("status", resp.StatusCode).Msg("backend metadata returned a server error")
		return g.fail(c, fhir.BackendUnavailable("backend returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return g.fail(c, fhir.BackendUnavailable("reading backend capability statement").WithCause(err))
	}

	if resp.StatusCode == http.StatusOK {
		edited, err := injectOAuthSecurity(body, g.verifier.Provider())
		if err != nil {
			g.logger.Warn().Err(err).Msg("capability statement left unmodified")
		} else {
			body = edited
		}
	}

	backend.CopyResponseHeaders(c.Response().Header(), resp.Header)
	if oldBase, newBase := g.backend.BaseURL(), g.publicBase(c); oldBase != newBase {
		body = bytes.ReplaceAll(body, []byte(oldBase), []byte(newBase))
	}
	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = fhir.MediaTypeFHIRJSON
	}
	return c.Blob(resp.StatusCode, contentType, body)
}

// injectOAuthSecurity adds the OAuth security service and the SMART oauth-uris
// extension to rest[0].security, creating the path when the backend omits it.
func injectOAuthSecurity(body []byte, provider *auth.OIDCProvider) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parsing capability statement: %w", err)
	}
	if rt, _ := doc["resourceType"].(string); rt != "CapabilityStatement" {
		return nil, fmt.Errorf("metadata response is %q, not a CapabilityStatement", rt)
	}

	rest, _ := doc["rest"].([]interface{})
	if len(rest) == 0 {
		rest = []interface{}{map[string]interface{}{"mode": "server"}}
		doc["rest"] = rest
	}
	first, ok := rest[0].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("capability statement rest[0] is not an object")
	}

	security, _ := first["security"].(map[string]interface{})
	if security == nil {
		security = map[string]interface{}{}
		first["security"] = security
	}
	security["cors"] = true

	service, _ := security["service"].([]interface{})
	security["service"] = append(service, map[string]interface{}{
		"coding": []interface{}{map[string]interface{}{
			"system":  restfulSecuritySystem,
			"code":    "OAuth",
			"display": "OAuth",
		}},
	})

	extension, _ := security["extension"].([]interface{})
	security["extension"] = append(extension, map[string]interface{}{
		"url": smartOAuthURIsExtension,
		"extension": []interface{}{
			map[string]interface{}{"url": "authorize", "valueUri": provider.AuthorizationEndpoint},
			map[string]interface{}{"url": "token", "valueUri": provider.TokenEndpoint},
		},
	})

	return json.Marshal(doc)
}
