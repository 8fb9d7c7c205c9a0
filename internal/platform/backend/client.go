package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/fhirgate/fhirgate/internal/platform/fhir"
)

// forwardedRequestHeaders are the only client headers passed through to the
// backend. Everything else, Authorization above all, stops at the gateway.
var forwardedRequestHeaders = []string{"Content-Type"}

// forwardedResponseHeaders are the backend headers surfaced to the client.
var forwardedResponseHeaders = []string{"Content-Type", "Last-Modified", "Date", "ETag"}

// maxInternalResponse caps how much of a backend response the gateway's own
// lookups (list membership, sync metadata) will buffer.
const maxInternalResponse = 8 << 20

// Client forwards requests to the upstream FHIR server and runs the
// gateway's own backend lookups.
type Client struct {
	base   *url.URL
	httpc  *http.Client
	tokens TokenProvider
	logger zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpc = c }
}

// WithTokenProvider sets the backend credential source.
func WithTokenProvider(p TokenProvider) Option {
	return func(cl *Client) { cl.tokens = p }
}

// NewClient validates the backend base URL and builds a client with the
// given request timeout.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend URL %q has no host", baseURL)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 32

	c := &Client{
		base:   u,
		httpc:  &http.Client{Timeout: timeout, Transport: transport},
		tokens: NoAuth{},
		logger: logger,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// BaseURL returns the backend base URL without a trailing slash, the form
// the backend itself uses when minting links.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.base.String(), "/")
}

// Forward sends method/path/query/body upstream and returns the raw
// response. The caller owns the response body. Transport failures come back
// as gateway errors: timeouts map to 504, anything else to 502.
func (c *Client) Forward(ctx context.Context, method, path string, query url.Values, header http.Header, body io.Reader) (*http.Response, error) {
	u := *c.base
	u.Path = joinPath(c.base.Path, path)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fhir.InvalidRequest("building backend request: %v", err)
	}

	for _, name := range forwardedRequestHeaders {
		if v := header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	req.Header.Set("Accept-Encoding", "identity")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fhir.BackendUnavailable("acquiring backend credentials").WithCause(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend request failed")
		return nil, classifyTransportError(err)
	}
	c.logger.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("backend response")
	return resp, nil
}

func classifyTransportError(err error) *fhir.Error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fhir.BackendTimeout("backend did not respond in time").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fhir.BackendTimeout("backend did not respond in time").WithCause(err)
	}
	return fhir.BackendUnavailable("backend request failed").WithCause(err)
}

// CopyResponseHeaders copies the forwarded response headers from a backend
// response onto the client-facing header set.
func CopyResponseHeaders(dst http.Header, src http.Header) {
	for _, name := range forwardedResponseHeaders {
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
}

// Search runs a GET against a resource type and decodes the result bundle.
// Used for the gateway's own lookups, not for proxied client searches.
func (c *Client) Search(ctx context.Context, resourceType string, query url.Values) (*fm.Bundle, error) {
	resp, err := c.Forward(ctx, http.MethodGet, resourceType, query, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fhir.BackendUnavailable("backend search %s returned status %d", resourceType, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInternalResponse))
	if err != nil {
		return nil, fhir.BackendUnavailable("reading backend search response").WithCause(err)
	}
	bundle, err := fm.UnmarshalBundle(raw)
	if err != nil {
		return nil, fhir.BackendUnavailable("decoding backend search response").WithCause(err)
	}
	return &bundle, nil
}

// Read fetches a single resource and returns its raw JSON.
func (c *Client) Read(ctx context.Context, resourceType, id string) ([]byte, error) {
	resp, err := c.Forward(ctx, http.MethodGet, resourceType+"/"+id, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fhir.BackendUnavailable("backend read %s/%s returned status %d", resourceType, id, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInternalResponse))
	if err != nil {
		return nil, fhir.BackendUnavailable("reading backend resource").WithCause(err)
	}
	return raw, nil
}

// Create posts a new resource of the given type.
func (c *Client) Create(ctx context.Context, resourceType string, body []byte) error {
	header := http.Header{"Content-Type": []string{fhir.MediaTypeFHIRJSON}}
	resp, err := c.Forward(ctx, http.MethodPost, resourceType, nil, header, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fhir.BackendUnavailable("backend create %s returned status %d", resourceType, resp.StatusCode)
	}
	return nil
}

// Transact posts a transaction or batch bundle to the backend root and
// decodes the response bundle.
func (c *Client) Transact(ctx context.Context, bundle []byte) (*fm.Bundle, error) {
	header := http.Header{"Content-Type": []string{fhir.MediaTypeFHIRJSON}}
	resp, err := c.Forward(ctx, http.MethodPost, "", nil, header, bytes.NewReader(bundle))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fhir.BackendUnavailable("backend transaction returned status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxInternalResponse))
	if err != nil {
		return nil, fhir.BackendUnavailable("reading backend transaction response").WithCause(err)
	}
	result, err := fm.UnmarshalBundle(raw)
	if err != nil {
		return nil, fhir.BackendUnavailable("decoding backend transaction response").WithCause(err)
	}
	return &result, nil
}

// Patch applies a JSON Patch to a resource.
func (c *Client) Patch(ctx context.Context, resourceType, id string, patch []byte) error {
	header := http.Header{"Content-Type": []string{"application/json-patch+json"}}
	resp, err := c.Forward(ctx, http.MethodPatch, resourceType+"/"+id, nil, header, bytes.NewReader(patch))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fhir.BackendUnavailable("backend patch %s/%s returned status %d", resourceType, id, resp.StatusCode)
	}
	return nil
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	return base + "/" + p
}
