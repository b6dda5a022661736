// Package testutil provides shared helpers for the bridge's tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/memory"
)

// TestSecret is a token signing secret long enough for token.NewIssuer.
var TestSecret = []byte("bridge-test-secret-0123456789abcdef-0123456789")

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// GeneratePKCEPair returns an S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// NewMemoryStore returns a Store over a fresh memory backend that is
// stopped when the test ends. A non-nil clock drives both layers.
func NewMemoryStore(t testing.TB, clock *MockTime) *storage.Store {
	t.Helper()
	kv := memory.New()
	t.Cleanup(kv.Stop)

	store := storage.NewStore(kv, nil)
	if clock != nil {
		kv.SetClock(clock.Now)
		store.SetClock(clock.Now)
	}
	return store
}
