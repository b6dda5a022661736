package bridge

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/mcp-oauth-bridge/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeInvalidToken         = "invalid_token"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
	ErrorCodeInvalidClientMeta    = "invalid_client_metadata"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code is invalid, expired or spent
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates the client is unknown
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrInvalidToken indicates the access token is missing, invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the principal has no access to this bridge
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidClientMetadata indicates a registration request was rejected (RFC 7591)
	ErrInvalidClientMetadata = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClientMeta, desc, http.StatusBadRequest)
	}

	// ErrRateLimitExceeded indicates the caller must back off
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// toOAuthError maps server sentinels to the wire taxonomy. Unknown errors
// become server_error without leaking their text.
func toOAuthError(err error) *OAuthError {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}

	switch {
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient("Unknown client")
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope(err.Error())
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(err.Error())
	case errors.Is(err, server.ErrInvalidGrant):
		return ErrInvalidGrant("Authorization code is invalid, expired or already used")
	case errors.Is(err, server.ErrUnauthorized):
		return ErrInvalidToken("Access token is invalid or expired")
	case errors.Is(err, server.ErrPrincipalNotFound):
		return ErrAccessDenied("No account is associated with this identity")
	case errors.Is(err, server.ErrSessionNotFound):
		return ErrInvalidRequest("Authorization session not found or expired")
	default:
		return ErrServerError("Internal server error")
	}
}
