// Package security holds the bridge's HTTP-facing safeguards: per-client
// rate limiting, client IP extraction behind proxies, request ids, response
// headers and the security audit log.
//
// Audit events are emitted as a single slog record named "security_audit".
// Principal identifiers are hashed before they are logged; client ids are
// public and logged as-is.
//
// Example:
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{Rate: 2, Burst: 10}, logger)
//	defer limiter.Stop()
//
//	if ok, retryAfter := limiter.Allow(ip); !ok {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	}
package security
