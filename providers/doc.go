// Package providers defines how the bridge talks to the external identity
// provider (IdP).
//
// A Provider does two things: it builds the URL the user is sent to for
// authentication, with the bridge session id threaded through so the
// callback can find the pending authorization again, and it verifies the
// evidence the IdP hands back (an authorization code, an ID token or an
// access token) into an external Identity.
//
// Implementations are provided in subpackages:
//   - providers/oidc: any OpenID Connect provider (code or id_token evidence)
//   - providers/jwt: hosted-login IdPs that return an HS256 access token in the URL fragment
//   - providers/mock: scriptable provider for tests
package providers
