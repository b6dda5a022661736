// Package valkey provides a Valkey-backed storage.KV for multi-instance
// deployments of the bridge.
//
// Valkey is wire-compatible with Redis. Every bridge replica pointing at the
// same Valkey instance and key prefix sees the same clients, bridge sessions,
// authorization codes and connection sessions, so an agent may be routed to
// any replica between redirects.
//
// # Key Schema
//
// All keys carry a configurable prefix (default "mcp-bridge:"):
//
//	{prefix}client:{clientID}   -> JSON(ClientRegistration), no TTL
//	{prefix}bridge:{sessionID}  -> JSON(PendingAuthorization), TTL
//	{prefix}code:{code}         -> JSON(AuthorizationCode), TTL
//	{prefix}conn:{sessionID}    -> JSON(ConnectionSession), idle TTL
//
// # Atomicity
//
// CompareAndSwap runs as a single Lua script so that the read, comparison and
// write cannot interleave with another replica. Code redemption is therefore
// exactly-once across the whole deployment.
//
// # Configuration
//
//	kv, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
package valkey
