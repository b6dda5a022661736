package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-bridge/identity"
	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// idLogLength is how much of a secret identifier may appear in logs
const idLogLength = 8

// Server implements the bridge's authorization logic (provider-agnostic).
type Server struct {
	provider providers.Provider
	store    *storage.Store
	resolver identity.Resolver
	issuer   *token.Issuer

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a new bridge server
func New(
	provider providers.Provider,
	store *storage.Store,
	resolver identity.Resolver,
	issuer *token.Issuer,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("identity resolver is required")
	}
	if issuer == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		provider: provider,
		store:    store,
		resolver: resolver,
		issuer:   issuer,
		Config:   config,
		Logger:   logger,
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		now:      time.Now,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables metrics and tracing for flow operations.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetClock overrides the time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
	s.store.SetClock(now)
}

// Provider returns the configured identity provider.
func (s *Server) Provider() providers.Provider {
	return s.provider
}

// Store returns the session store.
func (s *Server) Store() *storage.Store {
	return s.store
}

// Issuer returns the access token issuer.
func (s *Server) Issuer() *token.Issuer {
	return s.issuer
}

// VerifyBearer validates a bridge access token.
func (s *Server) VerifyBearer(raw string) (*token.Claims, error) {
	claims, err := s.issuer.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return claims, nil
}

// HealthCheck reports whether the identity provider is reachable.
func (s *Server) HealthCheck(ctx context.Context) error {
	return s.provider.HealthCheck(ctx)
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name)
}

// generateRandomToken returns a URL-safe random string with 256 bits of
// entropy, used for bridge session ids, codes and client ids.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
