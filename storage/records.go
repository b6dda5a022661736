package storage

import "time"

// ClientRegistration is an agent registered through dynamic client registration.
// It is immutable once stored and never expires.
type ClientRegistration struct {
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
// A client without registered URIs accepts any redirect URI.
func (c *ClientRegistration) HasRedirectURI(uri string) bool {
	if len(c.RedirectURIs) == 0 {
		return true
	}
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// PendingAuthorization is an authorization attempt waiting for the user to
// authenticate with the identity provider. Its key, the bridge session id, is
// threaded through the provider redirect instead of a cookie.
type PendingAuthorization struct {
	BridgeSessionID     string    `json:"bridge_session_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	State               string    `json:"state,omitempty"`
	StatePresent        bool      `json:"state_present"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// Expired reports whether the pending authorization is past its TTL at now.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// AuthorizationCode is a one-time code issued after the user's identity has
// been resolved. It may be redeemed at most once and only before ExpiresAt.
type AuthorizationCode struct {
	Code                string    `json:"code"`
	InternalPrincipalID string    `json:"internal_principal_id"`
	ExternalPrincipalID string    `json:"external_principal_id"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Scope               string    `json:"scope,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// Expired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ConnectionSession correlates the stateless requests of one agent connection.
type ConnectionSession struct {
	SessionID           string    `json:"session_id"`
	InternalPrincipalID string    `json:"internal_principal_id"`
	ClientID            string    `json:"client_id"`
	CreatedAt           time.Time `json:"created_at"`
	LastActivityAt      time.Time `json:"last_activity_at"`
}
