package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

// smartCapabilities is the launch surface the gateway advertises. The issuer
// terminates the OAuth flows; the gateway only relays where they live.
var smartCapabilities = []string{
	"launch-standalone",
	"client-public",
	"client-confidential-symmetric",
	"context-standalone-patient",
	"permission-patient",
	"permission-user",
	"sso-openid-connect",
}

// SMARTConfiguration serves the SMART discovery document, built once from
// the issuer's OIDC metadata. Served without authentication.
func SMARTConfiguration(provider *auth.OIDCProvider) echo.HandlerFunc {
	doc := map[string]interface{}{
		"authorization_endpoint":           provider.AuthorizationEndpoint,
		"token_endpoint":                   provider.TokenEndpoint,
		"jwks_uri":                         provider.JWKSURI,
		"grant_types_supported":            []string{"authorization_code"},
		"capabilities":                     smartCapabilities,
		"code_challenge_methods_supported": []string{"S256"},
	}
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, doc)
	}
}

// Health is the liveness probe.
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "up"})
}
