package server

import "strings"

// Endpoint paths, relative to the issuer.
const (
	AuthorizationPath          = "/oauth/authorize"
	TokenPath                  = "/oauth/token"
	RegistrationPath           = "/oauth/register"
	CallbackPath               = "/oauth/callback"
	MCPPath                    = "/mcp"
	AuthorizationServerMetaURI = "/.well-known/oauth-authorization-server"
	ProtectedResourceMetaURI   = "/.well-known/oauth-protected-resource"
)

// Metadata is the authorization server metadata (RFC 8414).
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// ProtectedResourceMetadata describes the MCP endpoint (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

func (s *Server) issuerURL(path string) string {
	return strings.TrimSuffix(s.Config.Issuer, "/") + path
}

// GetMetadata returns discovery metadata. It reads only configuration.
func (s *Server) GetMetadata() Metadata {
	return Metadata{
		Issuer:                            strings.TrimSuffix(s.Config.Issuer, "/"),
		AuthorizationEndpoint:             s.issuerURL(AuthorizationPath),
		TokenEndpoint:                     s.issuerURL(TokenPath),
		RegistrationEndpoint:              s.issuerURL(RegistrationPath),
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   s.Config.SupportedScopes,
	}
}

// GetProtectedResourceMetadata returns metadata for the MCP resource.
func (s *Server) GetProtectedResourceMetadata() ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               s.issuerURL(MCPPath),
		AuthorizationServers:   []string{strings.TrimSuffix(s.Config.Issuer, "/")},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        s.Config.SupportedScopes,
	}
}

// ResourceMetadataURL is advertised in WWW-Authenticate challenges.
func (s *Server) ResourceMetadataURL() string {
	return s.issuerURL(ProtectedResourceMetaURI)
}
