package server

import (
	"errors"

	"github.com/giantswarm/mcp-oauth-bridge/identity"
)

var (
	// ErrInvalidClient is returned for unknown client ids.
	ErrInvalidClient = errors.New("invalid client")

	// ErrInvalidRequest is returned for malformed or disallowed parameters.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidScope is returned when a requested scope is not supported.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrSessionNotFound is returned when a bridge session is unknown,
	// expired or already completed. The user must start over.
	ErrSessionNotFound = errors.New("bridge session not found or expired")

	// ErrInvalidGrant is returned for every failed code redemption.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrPrincipalNotFound is returned when the verified external principal
	// has no internal record.
	ErrPrincipalNotFound = identity.ErrPrincipalNotFound

	// ErrIdentityVerification is returned when the provider rejected the
	// evidence. The user should retry authentication.
	ErrIdentityVerification = errors.New("identity verification failed")

	// ErrUnauthorized is returned for missing or invalid bearer tokens.
	ErrUnauthorized = errors.New("unauthorized")
)
