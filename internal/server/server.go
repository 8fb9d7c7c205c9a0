package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fhirgate/fhirgate/internal/access"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/middleware"
)

// Options carries the assembled collaborators for a gateway server.
type Options struct {
	Verifier      *auth.Verifier
	Checker       access.Checker
	Backend       *backend.Client
	Queries       *access.AllowedQueries
	PublicBaseURL string
	BodyLimit     string
	CORSOrigins   []string
	AuditRecorder middleware.AuditRecorder
	Logger        zerolog.Logger
}

// Server is the HTTP face of the gateway.
type Server struct {
	echo   *echo.Echo
	logger zerolog.Logger
}

// New assembles the echo engine: middleware chain, reserved routes and the
// catch-all proxy.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(opts.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Logger(opts.Logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: opts.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, access.GatewayModeHeader},
	}))
	e.Use(middleware.BodyLimit(opts.BodyLimit))
	e.Use(middleware.Audit(opts.Logger, opts.AuditRecorder))
	e.Use(echomw.Gzip())

	gw := NewGateway(opts.Verifier, opts.Checker, opts.Backend, opts.Queries, opts.PublicBaseURL, opts.Logger)

	e.GET("/health", Health)
	e.GET("/.well-known/smart-configuration", SMARTConfiguration(opts.Verifier.Provider()))
	e.GET("/metadata", gw.Metadata)
	e.Any("/*", gw.Proxy)

	return &Server{echo: e, logger: opts.Logger}
}

// Handler exposes the assembled engine, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown or a listener failure.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
