package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

const (
	// DefaultHTTPTimeout bounds discovery and code exchange calls
	DefaultHTTPTimeout = 10 * time.Second

	providerName = "oidc"
)

// Config configures an OIDC provider.
type Config struct {
	// IssuerURL is the OIDC issuer (required)
	IssuerURL string

	// ClientID and ClientSecret identify the bridge at the IdP
	ClientID     string
	ClientSecret string

	// CallbackURL is the bridge's callback endpoint registered at the IdP
	CallbackURL string

	// Scopes requested from the IdP (default: openid, email, profile)
	Scopes []string

	// AllowInsecureIssuer permits http and loopback issuers (development only)
	AllowInsecureIssuer bool

	// HTTPClient is used for discovery, JWKS and code exchange
	HTTPClient *http.Client

	// Logger is the structured logger (default slog.Default())
	Logger *slog.Logger
}

// Provider implements providers.Provider for OpenID Connect.
type Provider struct {
	oauth2Config *oauth2.Config
	verifier     *gooidc.IDTokenVerifier
	issuer       string
	httpClient   *http.Client
	logger       *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New discovers the issuer's endpoints and keys.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := ValidateIssuerURL(cfg.IssuerURL, cfg.AllowInsecureIssuer); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	discoveryCtx := gooidc.ClientContext(ctx, cfg.HTTPClient)
	discovered, err := gooidc.NewProvider(discoveryCtx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer: %w", err)
	}

	verifier := discovered.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
	return newProvider(cfg, discovered.Endpoint(), verifier)
}

func newProvider(cfg Config, endpoint oauth2.Endpoint, verifier *gooidc.IDTokenVerifier) (*Provider, error) {
	if cfg.CallbackURL == "" {
		return nil, fmt.Errorf("callback URL is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}
	if err := ValidateScopes(cfg.Scopes); err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Provider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
		},
		verifier:   verifier,
		issuer:     cfg.IssuerURL,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return providerName
}

// nonceFor derives the ID token nonce from the bridge session id.
func nonceFor(bridgeSessionID string) string {
	sum := sha256.Sum256([]byte("bridge-nonce:" + bridgeSessionID))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthenticationURL implements providers.Provider. The IdP echoes state
// back to the callback, which treats it as the bridge session id.
func (p *Provider) AuthenticationURL(bridgeSessionID string) (string, error) {
	if bridgeSessionID == "" {
		return "", fmt.Errorf("bridge session id is required")
	}
	return p.oauth2Config.AuthCodeURL(bridgeSessionID, gooidc.Nonce(nonceFor(bridgeSessionID))), nil
}

// Verify implements providers.Provider.
func (p *Provider) Verify(ctx context.Context, bridgeSessionID string, evidence providers.Evidence) (*providers.Identity, error) {
	if err := evidence.Err(); err != nil {
		p.logger.Warn("OIDC provider returned an error",
			"error", evidence.Error,
			"error_description", evidence.ErrorDescription)
		return nil, err
	}

	rawIDToken := evidence.IDToken
	if evidence.Code != "" {
		token, err := providers.ExchangeCode(ctx, p.oauth2Config, p.httpClient, evidence.Code)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", providers.ErrInvalidEvidence, err)
		}
		idToken, ok := token.Extra("id_token").(string)
		if !ok || idToken == "" {
			return nil, fmt.Errorf("%w: token response has no id_token", providers.ErrInvalidEvidence)
		}
		rawIDToken = idToken
	}
	if rawIDToken == "" {
		return nil, providers.ErrNoEvidence
	}

	verifyCtx := gooidc.ClientContext(ctx, p.httpClient)
	idToken, err := p.verifier.Verify(verifyCtx, rawIDToken)
	if err != nil {
		var expired *gooidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, fmt.Errorf("%w: id token expired", providers.ErrInvalidEvidence)
		}
		return nil, fmt.Errorf("%w: %w", providers.ErrInvalidEvidence, err)
	}
	if idToken.Nonce != nonceFor(bridgeSessionID) {
		return nil, fmt.Errorf("%w: nonce does not match bridge session", providers.ErrInvalidEvidence)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrInvalidEvidence, err)
	}

	return &providers.Identity{
		Subject:       idToken.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, nil
}

// HealthCheck fetches the issuer's discovery document.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("OIDC issuer unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OIDC issuer health check returned status %d", resp.StatusCode)
	}
	return nil
}
