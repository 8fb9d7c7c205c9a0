package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

const bearerPrefix = "Bearer "

const defaultJWKSCacheTTL = 5 * time.Minute

// DecodedToken carries the verified claims of a bearer token. Checkers read
// their inputs (patient_id, scope, realm roles) from here; the raw JWT never
// travels further into the gateway.
type DecodedToken struct {
	Issuer  string
	Subject string
	Claims  jwt.MapClaims
}

// StringClaim returns the named claim when it is a string, else "".
func (t *DecodedToken) StringClaim(name string) string {
	if t == nil {
		return ""
	}
	s, _ := t.Claims[name].(string)
	return s
}

// HasClaim reports whether the named claim is present.
func (t *DecodedToken) HasClaim(name string) bool {
	if t == nil {
		return false
	}
	_, ok := t.Claims[name]
	return ok
}

// NestedStrings walks nested claim objects and returns the string array at
// the end of the path, e.g. NestedStrings("realm_access", "roles").
func (t *DecodedToken) NestedStrings(path ...string) []string {
	if t == nil || len(path) == 0 {
		return nil
	}
	var cur interface{} = map[string]interface{}(t.Claims)
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	arr, ok := cur.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Verifier validates gateway bearer tokens: RS256 signature against the
// issuer's published keys, issuer match and expiry. Keys come from the
// issuer's realm metadata when available (Keycloak) with the discovered JWKS
// endpoint as the rotating source.
type Verifier struct {
	issuer   string
	provider *OIDCProvider
	realmKey *rsa.PublicKey
	jwks     *JWKSCache
	logger   zerolog.Logger
}

// NewVerifier performs issuer discovery and key fetch. Failures are fatal:
// a gateway that cannot verify tokens must not start.
func NewVerifier(issuer string, logger zerolog.Logger) (*Verifier, error) {
	issuer = strings.TrimRight(issuer, "/")
	provider, err := NewOIDCProvider(issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering token issuer: %w", err)
	}

	v := &Verifier{
		issuer:   issuer,
		provider: provider,
		jwks:     NewJWKSCache(provider.JWKSURI),
		logger:   logger,
	}

	key, err := FetchRealmKey(issuer)
	if err != nil {
		logger.Warn().Err(err).Msg("issuer advertises no realm key, relying on JWKS only")
	} else {
		v.realmKey = key
	}
	return v, nil
}

// Provider exposes the discovery document for the well-known and metadata
// endpoints.
func (v *Verifier) Provider() *OIDCProvider { return v.provider }

// Verify checks the Authorization header value and returns the decoded token.
// Every failure maps to a 401.
func (v *Verifier) Verify(authorization string) (*DecodedToken, error) {
	if authorization == "" {
		return nil, fhir.Unauthorized("missing Authorization header")
	}
	if !strings.HasPrefix(authorization, bearerPrefix) {
		return nil, fhir.Unauthorized("Authorization header must use the Bearer scheme")
	}
	raw := authorization[len(bearerPrefix):]
	if raw == "" {
		return nil, fhir.Unauthorized("empty bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyFunc,
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		return nil, fhir.Unauthorized("%s", verifyFailureReason(err)).WithCause(err)
	}
	if !token.Valid {
		return nil, fhir.Unauthorized("token is not valid")
	}

	sub, _ := claims.GetSubject()
	iss, _ := claims.GetIssuer()
	return &DecodedToken{Issuer: iss, Subject: sub, Claims: claims}, nil
}

// verifyFailureReason keeps outcome diagnostics stable and free of library
// internals.
func verifyFailureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token is expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "token issuer is not trusted"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "token signature is invalid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token is malformed"
	default:
		return "token verification failed"
	}
}

func (v *Verifier) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %s", token.Method.Alg())
	}
	if kid, ok := token.Header["kid"].(string); ok && kid != "" {
		key, err := v.jwks.GetKey(kid)
		if err == nil {
			return key, nil
		}
		if v.realmKey != nil {
			v.logger.Debug().Err(err).Str("kid", kid).Msg("key id not in JWKS, trying realm key")
			return v.realmKey, nil
		}
		return nil, err
	}
	if v.realmKey != nil {
		return v.realmKey, nil
	}
	return nil, fmt.Errorf("token has no key id and issuer advertises no realm key")
}

// JWKSCache fetches and caches the issuer's JSON Web Key Set. Keys are
// cached with a TTL and refetched when an unknown key id shows up, which
// covers routine key rotation.
type JWKSCache struct {
	mu        sync.RWMutex
	url       string
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	ttl       time.Duration
}

// NewJWKSCache creates a cache for the given JWKS URL.
func NewJWKSCache(url string) *JWKSCache {
	return &JWKSCache{
		url:  url,
		keys: make(map[string]*rsa.PublicKey),
		ttl:  defaultJWKSCacheTTL,
	}
}

// GetKey returns the RSA public key for a key ID, refreshing the cache when
// the entry is missing or stale.
func (c *JWKSCache) GetKey(kid string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := time.Since(c.fetchedAt) < c.ttl
	c.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}

	if err := c.refresh(kid); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key %q not found in JWKS", kid)
	}
	return key, nil
}

func (c *JWKSCache) refresh(kid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if _, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < c.ttl {
		return nil
	}

	resp, err := discoveryClient.Get(c.url)
	if err != nil {
		return fmt.Errorf("fetching JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decoding JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("parsing JWKS key %q: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

// parseRSAPublicKey builds an rsa.PublicKey from base64url-encoded modulus
// and exponent values.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	exponent := 0
	for _, b := range eBytes {
		exponent = exponent<<8 | int(b)
	}
	if exponent == 0 {
		return nil, fmt.Errorf("exponent is zero")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: exponent,
	}, nil
}
