package bridge

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// ==================== Dynamic Client Registration (RFC 7591) Types ====================

// ClientRegistrationRequest represents a dynamic client registration request.
// Fields beyond these are accepted and ignored.
type ClientRegistrationRequest struct {
	// RedirectURIs is the array of redirection URIs for use in redirect-based flows
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// TokenEndpointAuthMethod must be "none" or empty; the bridge only has
	// public clients
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`
}

// ClientRegistrationResponse represents a dynamic client registration response
type ClientRegistrationResponse struct {
	// ClientID is the unique client identifier
	ClientID string `json:"client_id"`

	// ClientIDIssuedAt is the time the client_id was issued
	ClientIDIssuedAt int64 `json:"client_id_issued_at,omitempty"`

	// RedirectURIs is the array of redirection URIs
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// TokenEndpointAuthMethod is always "none"
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// GrantTypes is the array of OAuth 2.0 grant types
	GrantTypes []string `json:"grant_types"`

	// ResponseTypes is the array of OAuth 2.0 response types
	ResponseTypes []string `json:"response_types"`

	// ClientName is the human-readable name of the client
	ClientName string `json:"client_name,omitempty"`
}
