package bridge

import (
	"time"
)

// Defaults for the per-IP limiter on the OAuth endpoints.
const (
	DefaultRateLimitRate  = 10
	DefaultRateLimitBurst = 20

	// maxRegistrationBodySize bounds dynamic client registration bodies
	maxRegistrationBodySize = 64 * 1024
)

// Config holds the HTTP handler configuration
type Config struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the bridge.
	// Default: 1
	TrustedProxyCount int
}

// RateLimitConfig holds rate limiting configuration for the register,
// authorize, callback and token endpoints.
type RateLimitConfig struct {
	// Disabled turns per-IP limiting off.
	Disabled bool

	// Rate is requests per second allowed per IP.
	// Default: DefaultRateLimitRate
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	// Default: DefaultRateLimitBurst
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	MaxEntries int

	// CleanupInterval is how often to drop idle IPs.
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit.Rate <= 0 {
		c.RateLimit.Rate = DefaultRateLimitRate
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = 1
	}
	return c
}
