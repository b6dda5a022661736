package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"
)

// PKCE constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
)

// dangerousSchemes can never be redirect targets
var dangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

// validateHTTPSEnforcement requires an https issuer except on loopback hosts
// or when AllowInsecureHTTP is set.
func (s *Server) validateHTTPSEnforcement() error {
	if s.Config.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopbackHost(issuerURL.Hostname()) {
			s.Logger.Warn("Running the bridge over HTTP on localhost",
				"issuer", s.Config.Issuer)
			return nil
		}
		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS (got %s://%s); set AllowInsecureHTTP for development",
				issuerURL.Scheme, issuerURL.Hostname())
		}
		return nil
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
	}
}

// isLoopbackHost reports whether host names the local machine.
func isLoopbackHost(host string) bool {
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// validateRegisteredRedirectURI checks a redirect URI offered at registration:
// absolute, no fragment, http only for loopback, custom schemes allowed
// except the dangerous ones.
func validateRegisteredRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("redirect_uri must be absolute: %q", raw)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain a fragment")
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "https":
		if u.Host == "" {
			return fmt.Errorf("redirect_uri must have a host")
		}
	case "http":
		if !isLoopbackHost(u.Hostname()) {
			return fmt.Errorf("http redirect_uri is only allowed for loopback hosts")
		}
	default:
		if slices.Contains(dangerousSchemes, scheme) {
			return fmt.Errorf("redirect_uri scheme %q is not allowed", u.Scheme)
		}
	}
	return nil
}

// resolveScope applies the default scope and checks every requested scope
// is supported.
func (s *Server) resolveScope(requested string) (string, error) {
	scopes := strings.Fields(requested)
	if len(scopes) == 0 {
		return s.Config.DefaultScope, nil
	}
	for _, scope := range scopes {
		if !slices.Contains(s.Config.SupportedScopes, scope) {
			return "", fmt.Errorf("%w: unsupported scope %q", ErrInvalidScope, scope)
		}
	}
	return strings.Join(scopes, " "), nil
}

// validateCodeChallenge checks the authorize-time PKCE parameters. An empty
// method means S256.
func validateCodeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		return "", fmt.Errorf("%w: code_challenge is required", ErrInvalidRequest)
	}
	if method == "" {
		method = PKCEMethodS256
	}
	if method != PKCEMethodS256 {
		return "", fmt.Errorf("%w: unsupported code_challenge_method %q (supported: S256)", ErrInvalidRequest, method)
	}
	// base64url of a sha256 digest
	if len(challenge) != 43 || !isUnreserved(challenge) {
		return "", fmt.Errorf("%w: malformed code_challenge", ErrInvalidRequest)
	}
	return method, nil
}

// validatePKCE checks a code verifier against the stored S256 challenge.
func validatePKCE(challenge, method, verifier string) error {
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

func isUnreserved(s string) bool {
	for _, ch := range s {
		ok := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !ok {
			return false
		}
	}
	return true
}
