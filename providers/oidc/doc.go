// Package oidc implements providers.Provider for OpenID Connect identity
// providers using github.com/coreos/go-oidc.
//
// The bridge session id travels as the OAuth state parameter and the ID
// token nonce is derived from it, so a token minted for one bridge session
// cannot be replayed into another. Evidence may be an authorization code,
// which is exchanged at the IdP, or an ID token delivered directly.
package oidc
