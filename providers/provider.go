package providers

import (
	"context"
	"errors"
	"net/url"
)

// Query parameter names that carry identity evidence on the callback.
const (
	ParamAccessToken      = "access_token"
	ParamIDToken          = "id_token"
	ParamCode             = "code"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
)

var (
	// ErrNoEvidence is returned when the callback carried nothing to verify.
	ErrNoEvidence = errors.New("no identity evidence presented")

	// ErrInvalidEvidence is returned when evidence failed verification.
	ErrInvalidEvidence = errors.New("identity evidence is invalid")

	// ErrProviderDenied is returned when the IdP itself reported an error.
	ErrProviderDenied = errors.New("identity provider reported an error")
)

// Provider is the external identity provider.
type Provider interface {
	// Name returns the provider name used in logs and metrics.
	Name() string

	// AuthenticationURL returns the URL the user agent is redirected to.
	// The bridge session id must come back to the callback unchanged.
	AuthenticationURL(bridgeSessionID string) (string, error)

	// Verify checks the evidence returned for bridgeSessionID and returns the
	// authenticated external identity.
	Verify(ctx context.Context, bridgeSessionID string, evidence Evidence) (*Identity, error)

	// HealthCheck verifies that the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Identity is an externally verified principal.
type Identity struct {
	// Subject is the provider's stable identifier for the user
	Subject string

	// Email is the user's email address, if the provider shared it
	Email string

	// EmailVerified indicates if the email is verified
	EmailVerified bool

	// Name is the user's display name
	Name string
}

// Evidence is what the IdP returned on the callback, read from the query
// string or from a fragment re-submitted as a query string.
type Evidence struct {
	AccessToken      string
	IDToken          string
	Code             string
	Error            string
	ErrorDescription string
}

// EvidenceFromValues extracts evidence from callback parameters.
func EvidenceFromValues(v url.Values) Evidence {
	return Evidence{
		AccessToken:      v.Get(ParamAccessToken),
		IDToken:          v.Get(ParamIDToken),
		Code:             v.Get(ParamCode),
		Error:            v.Get(ParamError),
		ErrorDescription: v.Get(ParamErrorDescription),
	}
}

// Empty reports whether the evidence carries neither a credential nor an error.
func (e Evidence) Empty() bool {
	return e.AccessToken == "" && e.IDToken == "" && e.Code == "" && e.Error == ""
}

// Err returns ErrProviderDenied when the IdP reported an error.
func (e Evidence) Err() error {
	if e.Error == "" {
		return nil
	}
	return ErrProviderDenied
}
