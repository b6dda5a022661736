package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller's address. Forwarding headers are only
// believed when TrustProxy is set.
type ClientIPResolver struct {
	TrustProxy bool

	// TrustedProxyCount is how many X-Forwarded-For hops, counted from the
	// right, belong to our own proxies (0 is treated as 1)
	TrustedProxyCount int
}

// ClientIP returns the client address for r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor skips the trusted hops at the right end of the list.
// With fewer entries than hops the leftmost entry is used.
func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	trusted := c.TrustedProxyCount
	if trusted <= 0 {
		trusted = 1
	}
	idx := max(len(hops)-trusted-1, 0)

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
