// Package mock provides a configurable Provider for tests.
package mock

import (
	"context"
	"net/url"
	"sync"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

// DefaultSubject is the external identity returned by the default VerifyFunc.
const DefaultSubject = "mock-user-123"

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthenticationURLFunc is called when AuthenticationURL() is invoked
	AuthenticationURLFunc func(bridgeSessionID string) (string, error)

	// VerifyFunc is called when Verify() is invoked
	VerifyFunc func(ctx context.Context, bridgeSessionID string, evidence providers.Evidence) (*providers.Identity, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock that accepts any non-empty credential as
// DefaultSubject and reports IdP errors as providers.ErrProviderDenied.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthenticationURLFunc: func(bridgeSessionID string) (string, error) {
			return "https://idp.example.com/login?" + url.Values{
				providers.BridgeSessionParam: {bridgeSessionID},
			}.Encode(), nil
		},
		VerifyFunc: func(_ context.Context, _ string, evidence providers.Evidence) (*providers.Identity, error) {
			if err := evidence.Err(); err != nil {
				return nil, err
			}
			if evidence.Empty() {
				return nil, providers.ErrNoEvidence
			}
			return &providers.Identity{
				Subject:       DefaultSubject,
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
		HealthCheckFunc: func(context.Context) error {
			return nil
		},
	}
}

// WithSubjects returns a VerifyFunc mapping access tokens to subjects.
// Unknown tokens are rejected with providers.ErrInvalidEvidence.
func WithSubjects(tokens map[string]string) func(context.Context, string, providers.Evidence) (*providers.Identity, error) {
	return func(_ context.Context, _ string, evidence providers.Evidence) (*providers.Identity, error) {
		if err := evidence.Err(); err != nil {
			return nil, err
		}
		if evidence.Empty() {
			return nil, providers.ErrNoEvidence
		}
		subject, ok := tokens[evidence.AccessToken]
		if !ok {
			return nil, providers.ErrInvalidEvidence
		}
		return &providers.Identity{Subject: subject}, nil
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release the lock before calling fn; it may call back into the mock.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// AuthenticationURL returns the IdP login URL for a bridge session.
func (m *MockProvider) AuthenticationURL(bridgeSessionID string) (string, error) {
	m.mu.Lock()
	m.CallCounts["AuthenticationURL"]++
	fn := m.AuthenticationURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://idp.example.com/login?" + providers.BridgeSessionParam + "=" + url.QueryEscape(bridgeSessionID), nil
	}
	return fn(bridgeSessionID)
}

// Verify checks identity evidence.
func (m *MockProvider) Verify(ctx context.Context, bridgeSessionID string, evidence providers.Evidence) (*providers.Identity, error) {
	m.mu.Lock()
	m.CallCounts["Verify"]++
	fn := m.VerifyFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, providers.ErrInvalidEvidence
	}
	return fn(ctx, bridgeSessionID, evidence)
}

// HealthCheck reports provider reachability.
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.CallCounts["HealthCheck"]++
	fn := m.HealthCheckFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
