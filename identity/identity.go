// Package identity maps identity-provider principals onto the resource
// server's own principal ids.
//
// It is the only place aware that a user has two identities: the external
// subject asserted by the identity provider and the internal id every
// downstream authorization decision uses. Resolvers only look mappings up.
// Creating internal principals is somebody else's job.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrPrincipalNotFound is returned when an external principal has no
	// internal record.
	ErrPrincipalNotFound = errors.New("identity: principal not found")

	// ErrAmbiguousPrincipal is returned when an external principal maps to
	// more than one internal record. It is never resolved by picking one.
	ErrAmbiguousPrincipal = errors.New("identity: external principal maps to multiple internal principals")
)

// Resolver maps an external principal id to an internal principal id.
// Implementations must be deterministic and must not create mappings.
type Resolver interface {
	Resolve(ctx context.Context, externalID string) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, externalID string) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, externalID string) (string, error) {
	return f(ctx, externalID)
}

// StaticResolver resolves from a fixed in-memory table.
type StaticResolver struct {
	mappings map[string]string
}

// NewStaticResolver copies mappings (external id -> internal id).
func NewStaticResolver(mappings map[string]string) *StaticResolver {
	m := make(map[string]string, len(mappings))
	for ext, internal := range mappings {
		m[ext] = internal
	}
	return &StaticResolver{mappings: m}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, externalID string) (string, error) {
	internal, ok := r.mappings[externalID]
	if !ok || internal == "" {
		return "", ErrPrincipalNotFound
	}
	return internal, nil
}
