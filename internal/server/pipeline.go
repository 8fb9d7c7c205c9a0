// Package server hosts the gateway's HTTP face: the echo engine, the
// reserved routes and the request pipeline that carries every other request
// to the FHIR backend.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/access"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
	"github.com/fhirgate/fhirgate/internal/platform/middleware"
)

// Gateway is the request pipeline: allowed-queries shortcut, token
// verification, access check, forwarding with URL rewriting, and
// post-processing.
type Gateway struct {
	verifier  *auth.Verifier
	checker   access.Checker
	backend   *backend.Client
	queries   *access.AllowedQueries
	publicURL string
	logger    zerolog.Logger
}

// NewGateway wires the pipeline. queries may be nil when no allowed-queries
// config is loaded; publicURL may be empty to derive the public base from
// each request.
func NewGateway(verifier *auth.Verifier, checker access.Checker, client *backend.Client, queries *access.AllowedQueries, publicURL string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		verifier:  verifier,
		checker:   checker,
		backend:   client,
		queries:   queries,
		publicURL: publicURL,
		logger:    logger,
	}
}

// Proxy handles every request that is not a reserved route.
func (g *Gateway) Proxy(c echo.Context) error {
	req := c.Request()
	view := access.NewRequestView(req)

	// Conditional updates address resources by search criteria instead of id;
	// the checkers cannot scope those, so they never reach the backend.
	if (view.Method == http.MethodPut || view.Method == http.MethodPatch) &&
		view.ResourceType != "" && view.ResourceID == "" {
		return g.fail(c, fhir.InvalidRequest("conditional %s is not supported", view.Method))
	}

	// Reserved and chained search parameters widen a search past whatever
	// scope a checker grants, so they are refused before any decision is made.
	if err := fhir.ValidateSearchParams(view.Query); err != nil {
		return g.fail(c, err)
	}

	if entry := g.queries.Match(view.Method, view.Path, view.Query); entry != nil {
		// An unauthenticated rule waives the token requirement, not
		// verification: a token the client does send must still be genuine.
		authorization := req.Header.Get(echo.HeaderAuthorization)
		if !entry.Unauthenticated || authorization != "" {
			token, err := g.verifier.Verify(authorization)
			if err != nil {
				return g.fail(c, err)
			}
			c.Set(middleware.ContextKeySubject, token.Subject)
		}
		g.logger.Debug().Str("method", view.Method).Str("path", view.Path).Msg("allowed-queries match")
		c.Set(middleware.ContextKeyDecision, "allow-listed")
		return g.forward(c, view, view.Path, view.Query, g.postProcessor(view, nil))
	}

	token, err := g.verifier.Verify(req.Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return g.fail(c, err)
	}
	c.Set(middleware.ContextKeySubject, token.Subject)

	decision, err := g.checker.Check(req.Context(), view, token)
	if err != nil {
		return g.fail(c, err)
	}
	if !decision.Allowed {
		c.Set(middleware.ContextKeyDecision, "denied")
		g.logger.Info().
			Str("checker", g.checker.Name()).
			Str("method", view.Method).
			Str("path", view.Path).
			Str("subject", token.Subject).
			Str("reason", decision.Reason).
			Msg("request denied")
		return g.fail(c, fhir.Denied("%s", decision.Reason))
	}
	c.Set(middleware.ContextKeyDecision, "granted")
	g.logger.Debug().Str("checker", g.checker.Name()).Str("method", view.Method).Str("path", view.Path).Msg("request granted")

	query := view.Query
	path := view.Path
	if decision.Mutation != nil {
		query = decision.Mutation.Apply(query)
		if decision.Mutation.Path != "" {
			path = decision.Mutation.Path
		}
	}
	return g.forward(c, view, path, query, g.postProcessor(view, decision))
}

// postProcessor picks the processor for a forwarded request: the checker's
// own when the decision carries one, else the list-entries expander when the
// client asked for that mode.
func (g *Gateway) postProcessor(view *access.RequestView, decision *access.Decision) access.PostProcessor {
	if decision != nil && decision.Post != nil {
		return decision.Post
	}
	if view.GatewayMode() == access.GatewayModeListEntries {
		return access.NewListExpander(g.backend, g.logger)
	}
	return nil
}

// forward sends the request upstream and relays the response. Without a
// post-processor the body streams through the URL rewriter; with one it is
// buffered, processed, rewritten and sent whole.
func (g *Gateway) forward(c echo.Context, view *access.RequestView, path string, query url.Values, post access.PostProcessor) error {
	req := c.Request()
	resp, err := g.backend.Forward(req.Context(), view.Method, path, query, req.Header, view.BodyReader())
	if err != nil {
		return g.fail(c, err)
	}
	defer resp.Body.Close()

	// Backend 4xx pass through untouched; 5xx becomes the gateway's own 502.
	if resp.StatusCode >= http.StatusInternalServerError {
		g.logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("backend returned a server error")
		return g.fail(c, fhir.BackendUnavailable("backend returned status %d", resp.StatusCode))
	}

	backend.CopyResponseHeaders(c.Response().Header(), resp.Header)
	oldBase, newBase := g.backend.BaseURL(), g.publicBase(c)

	if post != nil {
		return g.respondProcessed(c, resp, post, oldBase, newBase)
	}

	c.Response().WriteHeader(resp.StatusCode)
	rw := backend.NewURLRewriter(c.Response(), oldBase, newBase)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		// The status line is already out; whether the client hung up or the
		// backend died, there is nothing useful left to send.
		g.logger.Warn().Err(err).Str("path", path).Msg("response stream aborted")
		return nil
	}
	return rw.Flush()
}

// respondProcessed buffers the upstream body, runs the post-processor exactly
// once and sends the replacement (or the original) after URL rewriting.
func (g *Gateway) respondProcessed(c echo.Context, resp *http.Response, post access.PostProcessor, oldBase, newBase string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return g.fail(c, fhir.BackendUnavailable("reading backend response").WithCause(err))
	}

	replacement, err := post.Process(c.Request().Context(), &access.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	})
	if err != nil {
		// The upstream operation already succeeded; a post-processing failure
		// must not turn it into an error response.
		g.logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("post-processing failed, returning the upstream response")
	}
	if replacement != nil {
		body = replacement
	}

	if oldBase != newBase {
		body = bytes.ReplaceAll(body, []byte(oldBase), []byte(newBase))
	}
	contentType := resp.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = fhir.MediaTypeFHIRJSON
	}
	return c.Blob(resp.StatusCode, contentType, body)
}

// publicBase is the URL clients should see in rewritten links: the configured
// public base when set, else the scheme and host the request arrived on.
func (g *Gateway) publicBase(c echo.Context) string {
	if g.publicURL != "" {
		return g.publicURL
	}
	return c.Scheme() + "://" + c.Request().Host
}

// fail terminates the request with the error's status and OperationOutcome.
func (g *Gateway) fail(c echo.Context, err error) error {
	// An oversized chunked body surfaces mid-read as a 413 from the body-limit
	// reader; keep that status instead of the checker's 400 wrapper.
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		g.logger.Debug().Err(err).Str("path", c.Request().URL.Path).Msg("request body exceeded the limit mid-read")
		return outcomeResponse(c, he.Code, fhir.TooCostlyOutcome("request body too large"))
	}

	ge, ok := fhir.AsError(err)
	if !ok {
		g.logger.Error().Err(err).Msg("gateway failure")
		return outcomeResponse(c, http.StatusInternalServerError, fhir.InternalOutcome())
	}

	evt := g.logger.Debug()
	if ge.Kind == fhir.KindBackendUnavailable || ge.Kind == fhir.KindBackendTimeout {
		evt = g.logger.Error()
	}
	evt.Err(err).Int("status", ge.StatusCode()).Str("path", c.Request().URL.Path).Msg("request failed")
	return outcomeResponse(c, ge.StatusCode(), ge.Outcome())
}

func outcomeResponse(c echo.Context, status int, outcome interface{}) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.Blob(status, fhir.MediaTypeFHIRJSON, body)
}
