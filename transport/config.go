package transport

import (
	"net/url"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSessionIdleTTL    = 30 * time.Minute
	DefaultSweepInterval     = time.Minute
	DefaultMaxBodyBytes      = 1 << 20
	DefaultServerName        = "mcp-oauth-bridge"
)

// Config configures a Transport.
type Config struct {
	// ServerName and Version are reported in the MCP initialize result and
	// on /status
	ServerName string
	Version    string

	// AllowedOrigins restricts browser origins. Empty allows any origin;
	// localhost origins are always allowed.
	AllowedOrigins []string

	// HeartbeatInterval is the SSE heartbeat period.
	// Default: 30s
	HeartbeatInterval time.Duration

	// SessionIdleTTL ends connection sessions without activity.
	// Default: 30m
	SessionIdleTTL time.Duration

	// SweepInterval is how often the local registry drops sessions whose
	// store record is gone.
	// Default: 1m
	SweepInterval time.Duration

	// MaxBodyBytes bounds POST bodies.
	// Default: 1 MiB
	MaxBodyBytes int64
}

func (c Config) withDefaults() Config {
	if c.ServerName == "" {
		c.ServerName = DefaultServerName
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.SessionIdleTTL <= 0 {
		c.SessionIdleTTL = DefaultSessionIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	normalized := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = normalizeOrigin(o); o != "" {
			normalized = append(normalized, o)
		}
	}
	c.AllowedOrigins = normalized
	return c
}

func normalizeOrigin(origin string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
