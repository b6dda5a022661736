package transport

import "errors"

var (
	// ErrSessionNotFound is returned for missing, unknown or foreign
	// connection sessions.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned for a session whose record outlived
	// its idle window.
	ErrSessionExpired = errors.New("session expired")
)

// JSON-RPC error codes beyond the standard ones in mcp-go.
const (
	// CodeSessionNotFound tells the client to reconnect with initialize
	CodeSessionNotFound = -32001
)
