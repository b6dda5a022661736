// Package transport serves MCP over Streamable HTTP on a single endpoint.
//
// POST carries JSON-RPC requests, notifications and batches; GET opens a
// server-sent event stream; DELETE terminates the connection session.
// Connection sessions live in the storage.Store so that any replica can
// serve any request; each replica keeps only an in-process registry of
// mcp-go client sessions and their open streams.
//
// Every request except the CORS preflight must already carry verified
// bearer claims in its context (see bridge.Handler.RequireBearer).
package transport
