package oidc

import (
	"fmt"
	"net"
	"net/url"
)

// ValidateIssuerURL checks that an issuer URL is HTTPS and does not point at
// loopback, private or link-local addresses. allowInsecure relaxes both
// checks for local development against a test IdP.
func ValidateIssuerURL(issuerURL string, allowInsecure bool) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}
	if allowInsecure {
		return nil
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}

	return nil
}

// ValidateScopes bounds the scopes requested from the IdP.
func ValidateScopes(scopes []string) error {
	if len(scopes) > 50 {
		return fmt.Errorf("too many scopes (max 50, got %d)", len(scopes))
	}

	for i, scope := range scopes {
		if scope == "" {
			return fmt.Errorf("scope at index %d is empty", i)
		}
		if len(scope) > 256 {
			return fmt.Errorf("scope at index %d exceeds maximum length of 256 characters", i)
		}
	}

	return nil
}
