package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const (
	// ClientIDPrefix marks dynamically registered client ids
	ClientIDPrefix = "mcp-"

	maxClientNameLength = 256
	maxRedirectURIs     = 20
)

// RegistrationRequest is a dynamic client registration (RFC 7591 subset).
type RegistrationRequest struct {
	ClientName   string
	RedirectURIs []string
}

// Register creates a new client. Any syntactically valid request succeeds;
// there is no registration authentication. Trust is established later by
// possession of a code and its PKCE verifier.
func (s *Server) Register(ctx context.Context, req RegistrationRequest, clientIP string) (*storage.ClientRegistration, error) {
	if len(req.RedirectURIs) > maxRedirectURIs {
		return nil, fmt.Errorf("%w: at most %d redirect_uris", ErrInvalidRequest, maxRedirectURIs)
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRegisteredRedirectURI(uri); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	client := &storage.ClientRegistration{
		ClientID:     ClientIDPrefix + generateRandomToken()[:22],
		ClientName:   util.SafeTruncate(strings.TrimSpace(req.ClientName), maxClientNameLength),
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		RegisteredAt: s.now(),
	}
	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to register client: %w", err)
	}

	s.Auditor.LogClientRegistered(client.ClientID, clientIP, len(client.RedirectURIs), false)
	s.metrics.RecordClientRegistered(ctx)
	s.Logger.Info("Registered client",
		"client_id", client.ClientID,
		"client_name", client.ClientName)

	return client, nil
}

// RegisterTrustedClients stores the configured TrustedClients, replacing any
// previous registration under the same id.
func (s *Server) RegisterTrustedClients(ctx context.Context) error {
	for _, tc := range s.Config.TrustedClients {
		if tc.ClientID == "" {
			return fmt.Errorf("trusted client without client_id")
		}
		for _, uri := range tc.RedirectURIs {
			if err := validateRegisteredRedirectURI(uri); err != nil {
				return fmt.Errorf("trusted client %s: %w", tc.ClientID, err)
			}
		}
		client := &storage.ClientRegistration{
			ClientID:     tc.ClientID,
			ClientName:   tc.ClientName,
			RedirectURIs: append([]string(nil), tc.RedirectURIs...),
			RegisteredAt: s.now(),
		}
		if err := s.store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to register trusted client %s: %w", tc.ClientID, err)
		}
		s.Auditor.LogClientRegistered(client.ClientID, "", len(client.RedirectURIs), true)
	}
	return nil
}

// GetClient returns a registered client or ErrInvalidClient.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.ClientRegistration, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidClient
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up client: %w", err)
	}
	return client, nil
}
