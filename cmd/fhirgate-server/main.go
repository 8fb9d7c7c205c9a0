package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirgate/fhirgate/internal/access"
	"github.com/fhirgate/fhirgate/internal/config"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/backend"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
	"github.com/fhirgate/fhirgate/internal/platform/middleware"
	"github.com/fhirgate/fhirgate/internal/server"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "fhirgate-server",
		Short:   "Authorizing reverse proxy for FHIR R4 backends",
		Version: version,
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString("config")
			port, _ := cmd.Flags().GetString("port")
			return runServer(envFile, port)
		},
	}
	cmd.Flags().String("config", "", "Path to an env file (default .env)")
	cmd.Flags().String("port", "", "Listen port (overrides SERVER_PORT)")
	return cmd
}

func runServer(envFile, portOverride string) error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("RUN_MODE") == "DEV" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load(envFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		logger.Warn().Str("level", cfg.LogLevel).Msg("unknown LOG_LEVEL, keeping info")
	} else {
		logger = logger.Level(level)
	}
	if portOverride != "" {
		cfg.ServerPort = portOverride
	}

	if cfg.AccessChecker == "" {
		logger.Warn().Msg("no ACCESS_CHECKER configured; the dev checker grants every request")
	}

	// Token issuer
	verifier, err := auth.NewVerifier(cfg.TokenIssuer, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("issuer", cfg.TokenIssuer).Msg("failed to reach token issuer")
	}
	logger.Info().Str("issuer", cfg.TokenIssuer).Msg("token issuer discovered")

	// Backend client
	ctx := context.Background()
	tokens, err := backendTokens(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure backend credentials")
	}
	client, err := backend.NewClient(
		cfg.ProxyTo,
		time.Duration(cfg.BackendTimeoutSeconds)*time.Second,
		logger,
		backend.WithTokenProvider(tokens),
	)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.ProxyTo).Msg("invalid PROXY_TO")
	}

	// Resource inspector
	compartment, err := fhir.LoadPatientCompartment()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load patient compartment definition")
	}
	paths, err := fhir.LoadPatientPaths()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load patient path table")
	}
	inspector := fhir.NewInspector(compartment, paths, cfg.PatchableBundleTypes())

	// Allowed queries
	var queries *access.AllowedQueries
	if cfg.AllowedQueriesConfig != "" {
		queries, err = access.LoadAllowedQueries(cfg.AllowedQueriesConfig)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.AllowedQueriesConfig).Msg("failed to load allowed-queries config")
		}
		logger.Info().Int("rules", queries.Len()).Str("path", cfg.AllowedQueriesConfig).Msg("allowed-queries loaded")
	}

	// Access checker
	checker, err := access.NewChecker(cfg.AccessChecker, access.Deps{
		Inspector:              inspector,
		Backend:                client,
		Logger:                 logger,
		PostPolicy:             cfg.PermissionPostPolicy,
		IgnoredTypes:           cfg.IgnoredTypes(),
		AllowedStructureMapIDs: cfg.AllowedStructureMapIDs(),
		DevMode:                cfg.IsDev(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build access checker")
	}
	logger.Info().Str("checker", checker.Name()).Str("backend", client.BaseURL()).Msg("gateway configured")

	// Audit trail
	var recorder middleware.AuditRecorder
	if cfg.AuditEvents {
		recorder = middleware.NewAuditEventRecorder(client, "fhirgate")
		logger.Info().Msg("AuditEvent emission enabled")
	}

	srv := server.New(server.Options{
		Verifier:      verifier,
		Checker:       checker,
		Backend:       client,
		Queries:       queries,
		PublicBaseURL: cfg.PublicBaseURL,
		BodyLimit:     cfg.BodyLimit,
		CORSOrigins:   cfg.Origins(),
		AuditRecorder: recorder,
		Logger:        logger,
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.ServerPort
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// backendTokens picks the backend credential source: Google application
// default credentials for GCP backends, a static bearer when one is
// configured, none otherwise.
func backendTokens(ctx context.Context, cfg *config.Config) (backend.TokenProvider, error) {
	if cfg.BackendType == "GCP" {
		return backend.NewGoogleToken(ctx)
	}
	if cfg.BackendAuthToken != "" {
		return backend.NewStaticToken(cfg.BackendAuthToken), nil
	}
	return backend.NoAuth{}, nil
}
