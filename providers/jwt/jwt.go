// Package jwt implements a provider for identity services that hand back an
// HS256 access token in the callback fragment, such as Supabase hosted auth.
package jwt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

const (
	providerName = "jwt"

	// RedirectParam is the login URL parameter naming the callback
	RedirectParam = "redirect_to"

	// DefaultLeeway tolerates small clock skew against the IdP
	DefaultLeeway = 30 * time.Second

	minSecretLength = 32
)

// Config configures the provider.
type Config struct {
	// LoginURL is the hosted login page (required)
	LoginURL string

	// CallbackURL is the bridge's callback endpoint (required)
	CallbackURL string

	// Secret is the shared HS256 secret used by the IdP to sign access tokens
	Secret []byte

	// Audience, if set, must appear in the token's aud claim
	Audience string

	// Issuer, if set, must equal the token's iss claim
	Issuer string

	// HealthURL is probed by HealthCheck (default LoginURL)
	HealthURL string

	// HTTPClient is used by HealthCheck
	HTTPClient *http.Client

	// Logger is the structured logger (default slog.Default())
	Logger *slog.Logger
}

// Provider verifies HS256 access tokens issued by a hosted login page.
type Provider struct {
	loginURL    *url.URL
	callbackURL string
	healthURL   string
	parser      *jwtlib.Parser
	secret      []byte
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ providers.Provider = (*Provider)(nil)

// New validates cfg and returns a Provider.
func New(cfg Config) (*Provider, error) {
	loginURL, err := url.Parse(cfg.LoginURL)
	if err != nil || !loginURL.IsAbs() || loginURL.Host == "" {
		return nil, fmt.Errorf("login URL must be absolute: %q", cfg.LoginURL)
	}
	if _, err := providers.CallbackURL(cfg.CallbackURL, "probe"); err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("secret must be at least %d bytes", minSecretLength)
	}
	if cfg.HealthURL == "" {
		cfg.HealthURL = cfg.LoginURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithLeeway(DefaultLeeway),
		jwtlib.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwtlib.WithAudience(cfg.Audience))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(cfg.Issuer))
	}

	return &Provider{
		loginURL:    loginURL,
		callbackURL: cfg.CallbackURL,
		healthURL:   cfg.HealthURL,
		parser:      jwtlib.NewParser(opts...),
		secret:      append([]byte(nil), cfg.Secret...),
		httpClient:  cfg.HTTPClient,
		logger:      cfg.Logger,
	}, nil
}

// Name implements providers.Provider.
func (p *Provider) Name() string {
	return providerName
}

// AuthenticationURL points at the login page with redirect_to set to the
// callback carrying the bridge session id.
func (p *Provider) AuthenticationURL(bridgeSessionID string) (string, error) {
	if bridgeSessionID == "" {
		return "", fmt.Errorf("bridge session id is required")
	}
	callback, err := providers.CallbackURL(p.callbackURL, bridgeSessionID)
	if err != nil {
		return "", err
	}
	u := *p.loginURL
	q := u.Query()
	q.Set(RedirectParam, callback)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type accessClaims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	jwtlib.RegisteredClaims
}

// Verify implements providers.Provider. Only the access token is
// considered; the sub claim is the external principal.
func (p *Provider) Verify(_ context.Context, _ string, evidence providers.Evidence) (*providers.Identity, error) {
	if err := evidence.Err(); err != nil {
		p.logger.Warn("Identity provider returned an error",
			"error", evidence.Error,
			"error_description", evidence.ErrorDescription)
		return nil, err
	}
	if evidence.AccessToken == "" {
		return nil, providers.ErrNoEvidence
	}

	var claims accessClaims
	_, err := p.parser.ParseWithClaims(evidence.AccessToken, &claims, func(*jwtlib.Token) (any, error) {
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: access token expired", providers.ErrInvalidEvidence)
		}
		return nil, fmt.Errorf("%w: %w", providers.ErrInvalidEvidence, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: access token has no subject", providers.ErrInvalidEvidence)
	}

	ident := &providers.Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
	}
	if name, ok := claims.UserMetadata["full_name"].(string); ok {
		ident.Name = name
	}
	return ident, nil
}

// HealthCheck checks that the login page answers.
func (p *Provider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity provider unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("identity provider health check returned status %d", resp.StatusCode)
	}
	return nil
}
