package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/fhirgate/fhirgate/internal/access"
	"github.com/fhirgate/fhirgate/internal/config"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/fhir"
	"github.com/fhirgate/fhirgate/internal/platform/middleware"
	"github.com/fhirgate/fhirgate/internal/proxy"
	"github.com/fhirgate/fhirgate/internal/upstream"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhirgate-server",
		Short: "FHIR access proxy",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR access proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Token verifier
	verifier := auth.NewVerifier(auth.VerifierConfig{
		Issuer:        cfg.TokenIssuer,
		WellKnownPath: cfg.WellKnownEndpoint,
		DevMode:       cfg.IsDev(),
	})

	// Upstream store
	ctx := context.Background()
	var backend upstream.Backend
	switch cfg.BackendType {
	case config.BackendGCP:
		backend, err = upstream.NewGCPBackend(ctx, cfg.UpstreamBase())
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to set up GCP credentials")
		}
	default:
		backend = upstream.NewHAPIBackend(ctx, upstream.HAPIConfig{
			BaseURL:       cfg.UpstreamBase(),
			Username:      cfg.ProxyToUsername,
			Password:      cfg.ProxyToPassword,
			TokenEndpoint: cfg.AccessTokenEndpoint,
		})
	}
	client := upstream.NewClient(backend, time.Duration(cfg.UpstreamTimeoutSeconds)*time.Second)
	logger.Info().Str("backend", cfg.BackendType).Str("upstream", cfg.UpstreamBase()).
		Msg("upstream store configured")

	// Patient compartment resolver
	paths := fhir.DefaultPatientPaths()
	if cfg.PatientPathsFile != "" {
		paths, err = fhir.LoadPatientPaths(cfg.PatientPathsFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load patient paths")
		}
	}
	resolver := fhir.NewResolver(paths)

	// Allowed queries
	var allowed *access.AllowedQueries
	if cfg.AllowedQueriesFile != "" {
		allowed, err = access.LoadAllowedQueries(cfg.AllowedQueriesFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load allowed queries")
		}
		logger.Info().Str("file", cfg.AllowedQueriesFile).Msg("allowed queries loaded")
	}

	// Access checkers
	registry := access.NewRegistry()
	for name, f := range map[string]access.Factory{
		"list":       access.NewListCheckerFactory(client, resolver, logger),
		"patient":    access.NewPatientCheckerFactory(resolver),
		"permissive": access.NewPermissiveFactory(),
	} {
		if err := registry.Register(name, f); err != nil {
			logger.Fatal().Err(err).Msg("failed to register access checker")
		}
	}

	factory, ok := registry.Get(cfg.AccessChecker)
	if !ok {
		logger.Fatal().Str("checker", cfg.AccessChecker).Strs("available", registry.Names()).
			Msg("unknown access checker")
	}
	pipeline := access.NewPipeline(allowed, factory, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	// Discovery endpoints
	discovery := proxy.NewDiscovery(verifier, client, logger)
	e.GET("/.well-known/smart-configuration", discovery.WellKnown)
	e.GET("/metadata", discovery.Metadata)

	// Everything else goes through the interceptor.
	interceptor := proxy.NewInterceptor(verifier, pipeline, client,
		cfg.UpstreamBase(), cfg.PublicBase(), logger)
	e.Any("/*", interceptor.Handle)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("checker", cfg.AccessChecker).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
