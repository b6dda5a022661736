// Package config loads the bridge's runtime configuration.
//
// A YAML file is read first; BRIDGE_-prefixed environment variables then
// override individual settings, so that secrets need not live in the file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/mcp-oauth-bridge/server"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BRIDGE_"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// Identity backends.
const (
	IdentityStatic = "static"
	IdentitySQLite = "sqlite"
)

// Provider types.
const (
	ProviderOIDC = "oidc"
	ProviderJWT  = "jwt"
	ProviderMock = "mock"
)

// Config is the complete bridge configuration.
type Config struct {
	// Listen is the HTTP listen address
	Listen string `yaml:"listen" env:"LISTEN"`

	// Issuer is the bridge's public base URL
	Issuer string `yaml:"issuer" env:"ISSUER"`

	// TokenSecret signs access tokens; at least 32 bytes
	TokenSecret string `yaml:"token_secret" env:"TOKEN_SECRET"`

	// AllowInsecureHTTP permits an http issuer on a non-loopback host
	AllowInsecureHTTP bool `yaml:"allow_insecure_http" env:"ALLOW_INSECURE_HTTP"`

	SupportedScopes []string `yaml:"supported_scopes" env:"SUPPORTED_SCOPES" envSeparator:","`
	DefaultScope    string   `yaml:"default_scope" env:"DEFAULT_SCOPE"`

	AuthorizationTTL     time.Duration `yaml:"authorization_ttl" env:"AUTHORIZATION_TTL"`
	AuthorizationCodeTTL time.Duration `yaml:"authorization_code_ttl" env:"AUTHORIZATION_CODE_TTL"`
	AccessTokenTTL       time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
	SessionIdleTTL       time.Duration `yaml:"session_idle_ttl" env:"SESSION_IDLE_TTL"`

	// TrustProxy honors X-Forwarded-For from TrustedProxyCount proxies
	TrustProxy        bool `yaml:"trust_proxy" env:"TRUST_PROXY"`
	TrustedProxyCount int  `yaml:"trusted_proxy_count" env:"TRUSTED_PROXY_COUNT"`

	// AuditLogging enables security_audit events
	AuditLogging bool `yaml:"audit_logging" env:"AUDIT_LOGGING"`

	TrustedClients []server.TrustedClient `yaml:"trusted_clients"`

	Log             LogConfig             `yaml:"log" envPrefix:"LOG_"`
	Storage         StorageConfig         `yaml:"storage" envPrefix:"STORAGE_"`
	Identity        IdentityConfig        `yaml:"identity" envPrefix:"IDENTITY_"`
	Provider        ProviderConfig        `yaml:"provider" envPrefix:"PROVIDER_"`
	Transport       TransportConfig       `yaml:"transport" envPrefix:"TRANSPORT_"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Instrumentation InstrumentationConfig `yaml:"instrumentation" envPrefix:"INSTRUMENTATION_"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level" env:"LEVEL"`

	// Format is json or text
	Format string `yaml:"format" env:"FORMAT"`
}

// StorageConfig selects the KV backend.
type StorageConfig struct {
	Backend string       `yaml:"backend" env:"BACKEND"`
	Valkey  ValkeyConfig `yaml:"valkey" envPrefix:"VALKEY_"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address   string `yaml:"address" env:"ADDRESS"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	TLS       bool   `yaml:"tls" env:"TLS"`
}

// IdentityConfig selects the principal resolver.
type IdentityConfig struct {
	Backend string `yaml:"backend" env:"BACKEND"`

	// Static maps external subjects to internal principals
	Static map[string]string `yaml:"static" env:"STATIC" envSeparator:"," envKeyValSeparator:"="`

	SQLite SQLiteConfig `yaml:"sqlite" envPrefix:"SQLITE_"`

	// CacheTTL caches successful lookups; zero disables the cache
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// SQLiteConfig configures the SQLite resolver.
type SQLiteConfig struct {
	Path         string `yaml:"path" env:"PATH"`
	Query        string `yaml:"query" env:"QUERY"`
	CreateSchema bool   `yaml:"create_schema" env:"CREATE_SCHEMA"`
}

// ProviderConfig selects and configures the identity provider.
type ProviderConfig struct {
	Type string     `yaml:"type" env:"TYPE"`
	OIDC OIDCConfig `yaml:"oidc" envPrefix:"OIDC_"`
	JWT  JWTConfig  `yaml:"jwt" envPrefix:"JWT_"`
	Mock MockConfig `yaml:"mock" envPrefix:"MOCK_"`
}

// OIDCConfig configures an OpenID Connect provider.
type OIDCConfig struct {
	IssuerURL           string   `yaml:"issuer_url" env:"ISSUER_URL"`
	ClientID            string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret        string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	Scopes              []string `yaml:"scopes" env:"SCOPES" envSeparator:","`
	AllowInsecureIssuer bool     `yaml:"allow_insecure_issuer" env:"ALLOW_INSECURE_ISSUER"`
}

// JWTConfig configures a hosted login page that returns HS256 tokens.
type JWTConfig struct {
	LoginURL  string `yaml:"login_url" env:"LOGIN_URL"`
	Secret    string `yaml:"secret" env:"SECRET"`
	Audience  string `yaml:"audience" env:"AUDIENCE"`
	Issuer    string `yaml:"issuer" env:"ISSUER"`
	HealthURL string `yaml:"health_url" env:"HEALTH_URL"`
}

// MockConfig configures the development provider, which signs every user
// in as Subject without an external IdP.
type MockConfig struct {
	Subject string `yaml:"subject" env:"SUBJECT"`
}

// TransportConfig configures the MCP endpoint.
type TransportConfig struct {
	AllowedOrigins    []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// RateLimitConfig configures the per-IP limiter on OAuth endpoints.
type RateLimitConfig struct {
	Disabled bool    `yaml:"disabled" env:"DISABLED"`
	Rate     float64 `yaml:"rate" env:"RATE"`
	Burst    int     `yaml:"burst" env:"BURST"`
}

// InstrumentationConfig configures OpenTelemetry.
type InstrumentationConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	MetricsExporter string `yaml:"metrics_exporter" env:"METRICS_EXPORTER"`
	LogClientIPs    bool   `yaml:"log_client_ips" env:"LOG_CLIENT_IPS"`
}

// Default returns the configuration used for unset values.
func Default() Config {
	return Config{
		Listen:       ":8080",
		AuditLogging: true,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage:  StorageConfig{Backend: StorageMemory},
		Identity: IdentityConfig{Backend: IdentityStatic, CacheTTL: time.Minute},
		Provider: ProviderConfig{Type: ProviderOIDC},
		Instrumentation: InstrumentationConfig{
			MetricsExporter: "prometheus",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment
// overrides. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error

	if c.Issuer == "" {
		errs = append(errs, errors.New("issuer is required"))
	} else if u, err := url.Parse(c.Issuer); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("issuer %q is not an absolute URL", c.Issuer))
	}
	if len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("token_secret must be at least 32 bytes"))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageValkey:
		if c.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage.valkey.address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Identity.Backend {
	case IdentityStatic:
		if len(c.Identity.Static) == 0 {
			errs = append(errs, errors.New("identity.static needs at least one mapping"))
		}
	case IdentitySQLite:
		if c.Identity.SQLite.Path == "" {
			errs = append(errs, errors.New("identity.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity backend %q", c.Identity.Backend))
	}

	switch c.Provider.Type {
	case ProviderOIDC:
		p := c.Provider.OIDC
		if p.IssuerURL == "" || p.ClientID == "" {
			errs = append(errs, errors.New("provider.oidc.issuer_url and provider.oidc.client_id are required"))
		}
	case ProviderJWT:
		p := c.Provider.JWT
		if p.LoginURL == "" {
			errs = append(errs, errors.New("provider.jwt.login_url is required"))
		}
		if p.Secret == "" {
			errs = append(errs, errors.New("provider.jwt.secret is required"))
		}
	case ProviderMock:
		if c.Provider.Mock.Subject == "" {
			errs = append(errs, errors.New("provider.mock.subject is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider type %q", c.Provider.Type))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ServerConfig converts the authorization settings.
func (c Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:               c.Issuer,
		AuthorizationTTL:     seconds(c.AuthorizationTTL),
		AuthorizationCodeTTL: seconds(c.AuthorizationCodeTTL),
		AccessTokenTTL:       seconds(c.AccessTokenTTL),
		SessionIdleTTL:       seconds(c.SessionIdleTTL),
		SupportedScopes:      c.SupportedScopes,
		DefaultScope:         c.DefaultScope,
		AllowInsecureHTTP:    c.AllowInsecureHTTP,
		TrustedClients:       c.TrustedClients,
	}
}

// CallbackURL is the bridge callback the IdP redirects to.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Issuer, "/") + server.CallbackPath
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
