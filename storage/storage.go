// Package storage holds every keyed record of the bridge behind an injected
// key-value abstraction.
//
// The authorization state machine, token issuer and transport never touch a
// backend directly. They go through Store, which serializes records to JSON
// and performs each mutation as a single-key read-modify-write on a KV.
// Backends live in subpackages:
//   - storage/memory: in-process map with TTLs, for tests and single instances
//   - storage/valkey: Valkey/Redis-compatible backend for multi-instance deployments
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or its TTL has passed.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired is returned when a record is still present but past its
	// own expiry timestamp.
	ErrExpired = errors.New("storage: record expired")

	// ErrAlreadyConsumed is returned when a one-time authorization code has
	// already been redeemed.
	ErrAlreadyConsumed = errors.New("storage: already consumed")

	// ErrStoreFull is returned by bounded backends when no more entries fit.
	ErrStoreFull = errors.New("storage: store full")

	// ErrConflict is returned when an optimistic update keeps losing the race.
	ErrConflict = errors.New("storage: too many concurrent updates")
)

// KV is the key-value contract every backend implements.
// All operations must be atomic with respect to concurrent callers on the same key.
type KV interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key. A ttl of zero means the entry never expires.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap replaces the value at key with next only if the current
	// value equals prev byte for byte. A nil next deletes the key. A ttl of
	// zero keeps the entry's current expiry. It reports false when the key is
	// absent or holds a different value.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error)
}
