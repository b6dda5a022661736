package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-bridge/identity"
	"github.com/giantswarm/mcp-oauth-bridge/identity/sqlite"
	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/providers/jwt"
	"github.com/giantswarm/mcp-oauth-bridge/providers/mock"
	"github.com/giantswarm/mcp-oauth-bridge/providers/oidc"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/memory"
	"github.com/giantswarm/mcp-oauth-bridge/storage/valkey"
)

const providerHTTPTimeout = 30 * time.Second

func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// newKV opens the configured storage backend. The returned func releases it.
func newKV(cfg config.StorageConfig, inst *instrumentation.Instrumentation, logger *slog.Logger) (storage.KV, func(), error) {
	switch cfg.Backend {
	case config.StorageValkey:
		vc := valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    logger,
		}
		if cfg.Valkey.TLS {
			vc.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		kv, err := valkey.New(vc)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Valkey storage", "address", cfg.Valkey.Address)
		return kv, kv.Close, nil

	default:
		kv := memory.New()
		kv.SetLogger(logger)
		kv.SetInstrumentation(inst)
		logger.Warn("Using in-memory storage; state is lost on restart and not shared between replicas")
		return kv, kv.Stop, nil
	}
}

// newResolver builds the principal resolver, wrapped in a cache when a
// cache TTL is configured. The returned func releases it.
func newResolver(cfg config.IdentityConfig, logger *slog.Logger) (identity.Resolver, func(), error) {
	var (
		resolver identity.Resolver
		closeFn  = func() {}
	)

	switch cfg.Backend {
	case config.IdentitySQLite:
		r, err := sqlite.Open(sqlite.Config{
			Path:         cfg.SQLite.Path,
			Query:        cfg.SQLite.Query,
			CreateSchema: cfg.SQLite.CreateSchema,
		})
		if err != nil {
			return nil, nil, err
		}
		resolver = r
		closeFn = func() {
			if err := r.Close(); err != nil {
				logger.Warn("Failed to close principal database", "error", err)
			}
		}
	default:
		resolver = identity.NewStaticResolver(cfg.Static)
	}

	if cfg.CacheTTL > 0 {
		resolver = identity.NewCachingResolver(resolver, cfg.CacheTTL, logger)
	}
	return resolver, closeFn, nil
}

func newProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) (providers.Provider, error) {
	httpClient := &http.Client{Timeout: providerHTTPTimeout}

	switch cfg.Provider.Type {
	case config.ProviderOIDC:
		p := cfg.Provider.OIDC
		return oidc.New(ctx, oidc.Config{
			IssuerURL:           p.IssuerURL,
			ClientID:            p.ClientID,
			ClientSecret:        p.ClientSecret,
			CallbackURL:         cfg.CallbackURL(),
			Scopes:              p.Scopes,
			AllowInsecureIssuer: p.AllowInsecureIssuer,
			HTTPClient:          httpClient,
			Logger:              logger,
		})

	case config.ProviderJWT:
		p := cfg.Provider.JWT
		return jwt.New(jwt.Config{
			LoginURL:    p.LoginURL,
			CallbackURL: cfg.CallbackURL(),
			Secret:      []byte(p.Secret),
			Audience:    p.Audience,
			Issuer:      p.Issuer,
			HealthURL:   p.HealthURL,
			HTTPClient:  httpClient,
			Logger:      logger,
		})

	case config.ProviderMock:
		logger.Warn("Using the mock identity provider; every sign-in succeeds",
			"subject", cfg.Provider.Mock.Subject)
		return newDevProvider(cfg.CallbackURL(), cfg.Provider.Mock.Subject), nil

	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Provider.Type)
	}
}

// newDevProvider signs every user in as subject. Its login URL points
// straight back at the callback with a one-off token in the fragment, the
// way hosted login pages deliver theirs.
func newDevProvider(callbackURL, subject string) *mock.MockProvider {
	devToken := oauth2.GenerateVerifier()

	p := mock.NewMockProvider()
	p.NameFunc = func() string { return "dev" }
	p.AuthenticationURLFunc = func(bridgeSessionID string) (string, error) {
		q := url.Values{providers.BridgeSessionParam: {bridgeSessionID}}
		frag := url.Values{providers.ParamAccessToken: {devToken}}
		return callbackURL + "?" + q.Encode() + "#" + frag.Encode(), nil
	}
	p.VerifyFunc = mock.WithSubjects(map[string]string{devToken: subject})
	return p
}
