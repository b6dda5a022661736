package server

import (
	"log/slog"
	"slices"
)

// Default TTLs and limits.
const (
	DefaultAuthorizationTTL     = 600  // 10 minutes
	DefaultAuthorizationCodeTTL = 600  // 10 minutes
	DefaultAccessTokenTTL       = 3600 // 1 hour
	DefaultSessionIdleTTL       = 1800 // 30 minutes

	// DefaultScope is granted when the agent requests none
	DefaultScope = "read write"
)

// DefaultSupportedScopes are advertised in discovery metadata.
var DefaultSupportedScopes = []string{"read", "write"}

// TrustedClient is a client registered at startup with a fixed id.
type TrustedClient struct {
	ClientID     string   `yaml:"client_id"`
	ClientName   string   `yaml:"client_name"`
	RedirectURIs []string `yaml:"redirect_uris"`
}

// Config holds bridge authorization configuration
type Config struct {
	// Issuer is the bridge's public base URL
	Issuer string

	// AuthorizationTTL is how long a bridge session waits for the user
	AuthorizationTTL int64 // seconds, default: 600 (10 minutes)

	// AuthorizationCodeTTL is how long issued codes stay redeemable
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is the lifetime of issued bearer tokens
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// SessionIdleTTL expires connection sessions without activity
	SessionIdleTTL int64 // seconds, default: 1800 (30 minutes)

	// SupportedScopes lists the scopes agents may request.
	// Default: ["read", "write"]
	SupportedScopes []string

	// DefaultScope is used when the authorize request has no scope
	DefaultScope string

	// AllowInsecureHTTP permits an http issuer on a non-loopback host
	// WARNING: development only
	AllowInsecureHTTP bool

	// TrustedClients are registered at startup with fixed client ids
	TrustedClients []TrustedClient
}

// applySecureDefaults fills zero values and warns about risky settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationTTL <= 0 {
		config.AuthorizationTTL = DefaultAuthorizationTTL
	}
	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.SessionIdleTTL <= 0 {
		config.SessionIdleTTL = DefaultSessionIdleTTL
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = slices.Clone(DefaultSupportedScopes)
	}
	if config.DefaultScope == "" {
		config.DefaultScope = DefaultScope
	}

	if config.AuthorizationCodeTTL > 600 {
		logger.Warn("Authorization code TTL exceeds 10 minutes",
			"ttl_seconds", config.AuthorizationCodeTTL,
			"recommendation", "Keep codes short-lived")
	}
	if config.AllowInsecureHTTP {
		logger.Warn("Insecure HTTP issuer is ALLOWED",
			"issuer", config.Issuer,
			"risk", "Codes and bearer tokens exposed to interception")
	}
	return config
}
