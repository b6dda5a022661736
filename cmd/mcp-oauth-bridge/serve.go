package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	bridge "github.com/giantswarm/mcp-oauth-bridge"
	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/token"
	"github.com/giantswarm/mcp-oauth-bridge/transport"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second

	// MetricsPath serves Prometheus metrics when the exporter is enabled
	MetricsPath = "/metrics"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge and the MCP endpoint",
		Long: `Starts the OAuth authorization server, the identity provider callback and the
MCP Streamable HTTP endpoint on a single listener.

Configuration is read from --config and then overridden by BRIDGE_-prefixed
environment variables, e.g. BRIDGE_TOKEN_SECRET or BRIDGE_PROVIDER_OIDC_CLIENT_SECRET.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, newLogger(cfg.Log, os.Stderr))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

// runServe wires every component and serves until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:     "mcp-oauth-bridge",
		ServiceVersion:  version,
		Enabled:         cfg.Instrumentation.Enabled,
		MetricsExporter: cfg.Instrumentation.MetricsExporter,
		LogClientIPs:    cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	kv, closeKV, err := newKV(cfg.Storage, inst, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer closeKV()
	store := storage.NewStore(kv, logger)

	resolver, closeResolver, err := newResolver(cfg.Identity, logger)
	if err != nil {
		return fmt.Errorf("failed to open identity resolver: %w", err)
	}
	defer closeResolver()

	provider, err := newProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create identity provider: %w", err)
	}

	serverConfig := cfg.ServerConfig()
	issuer, err := token.NewIssuer(token.Config{
		Secret: []byte(cfg.TokenSecret),
		Issuer: cfg.Issuer,
	})
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	srv, err := server.New(provider, store, resolver, issuer, serverConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to create bridge server: %w", err)
	}
	auditor := security.NewAuditor(logger, cfg.AuditLogging)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)
	if err := srv.RegisterTrustedClients(ctx); err != nil {
		return fmt.Errorf("failed to register trusted clients: %w", err)
	}

	handler := bridge.NewHandler(srv, bridge.Config{
		RateLimit: bridge.RateLimitConfig{
			Disabled: cfg.RateLimit.Disabled,
			Rate:     cfg.RateLimit.Rate,
			Burst:    cfg.RateLimit.Burst,
		},
		TrustProxy:        cfg.TrustProxy,
		TrustedProxyCount: cfg.TrustedProxyCount,
	}, logger)
	handler.SetInstrumentation(inst)
	defer handler.Close()

	tr, err := transport.New(store, transport.Config{
		Version:           version,
		AllowedOrigins:    cfg.Transport.AllowedOrigins,
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		SessionIdleTTL:    time.Duration(srv.Config.SessionIdleTTL) * time.Second,
		MaxBodyBytes:      cfg.Transport.MaxBodyBytes,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP transport: %w", err)
	}
	tr.SetAuditor(auditor)
	tr.SetInstrumentation(inst)
	defer tr.Close()

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	tr.Routes(mux, server.MCPPath, handler.RequireBearer)
	mux.Handle(MetricsPath, inst.MetricsHandler())

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting mcp-oauth-bridge",
			"addr", cfg.Listen,
			"issuer", cfg.Issuer,
			"provider", provider.Name(),
			"storage", cfg.Storage.Backend,
			"identity", cfg.Identity.Backend,
			"version", version)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Open event streams would hold Shutdown until the timeout.
	tr.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
