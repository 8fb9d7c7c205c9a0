// Package backend talks to the upstream FHIR server: request forwarding,
// backend-side authentication and response URL rewriting.
package backend

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// TokenProvider supplies the bearer token the gateway presents to the
// backend. Implementations must be safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// NoAuth is a TokenProvider for backends that accept unauthenticated
// requests, such as a HAPI server on a private network.
type NoAuth struct{}

// Token returns the empty string, meaning no Authorization header is sent.
func (NoAuth) Token(context.Context) (string, error) { return "", nil }

// StaticToken presents a fixed bearer token on every backend request.
type StaticToken struct {
	value string
}

// NewStaticToken wraps a pre-issued backend credential.
func NewStaticToken(token string) StaticToken {
	return StaticToken{value: token}
}

func (t StaticToken) Token(context.Context) (string, error) { return t.value, nil }

// cloudPlatformScope is the OAuth scope required by the Google Cloud
// Healthcare API FHIR stores.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleToken mints access tokens from Application Default Credentials for
// backends hosted on the Google Cloud Healthcare API. The underlying token
// source caches and refreshes tokens on its own.
type GoogleToken struct {
	source oauth2.TokenSource
}

// NewGoogleToken resolves Application Default Credentials. It fails when no
// credentials are available in the environment.
func NewGoogleToken(ctx context.Context) (*GoogleToken, error) {
	source, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("resolving application default credentials: %w", err)
	}
	return &GoogleToken{source: source}, nil
}

func (g *GoogleToken) Token(ctx context.Context) (string, error) {
	tok, err := g.source.Token()
	if err != nil {
		return "", fmt.Errorf("fetching google access token: %w", err)
	}
	return tok.AccessToken, nil
}
