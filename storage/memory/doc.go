// Package memory provides an in-process implementation of storage.KV.
//
// Entries carry an optional expiry. Expired entries are invisible to readers
// immediately and are swept by a background goroutine; call Stop to end it.
// The store may be bounded with a maximum entry count so that abandoned
// authorization attempts cannot grow memory without limit.
//
// Suitable for tests and single-instance deployments. Multi-instance
// deployments should use storage/valkey.
package memory
