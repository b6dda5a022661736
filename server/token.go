package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// GrantTypeAuthorizationCode is the only supported grant_type.
const GrantTypeAuthorizationCode = "authorization_code"

// TokenRequest is a code redemption.
type TokenRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	ClientIP     string
}

// TokenResponse is the token endpoint's success body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Redeem burns a code and mints an access token for its principal.
//
// The code is consumed before anything else is checked, so a code presented
// with the wrong verifier is gone for good. Every failure is reported as
// ErrInvalidGrant; the precise reason only reaches the audit log.
func (s *Server) Redeem(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	ctx, span := s.startSpan(ctx, "server.Redeem")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, GrantTypeAuthorizationCode))

	fail := func(reason string) (*TokenResponse, error) {
		instrumentation.SetSpanError(span, reason)
		s.Auditor.LogRedeemFailure(req.ClientID, req.ClientIP, reason)
		s.metrics.RecordCodeRedemption(ctx, req.ClientID, false)
		s.Logger.Debug("Code redemption failed",
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, idLogLength),
			"reason", reason)
		return nil, ErrInvalidGrant
	}

	if req.Code == "" {
		return fail("missing_code")
	}

	code, err := s.store.RedeemAuthorizationCode(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fail("unknown_code")
	case errors.Is(err, storage.ErrAlreadyConsumed):
		return fail("code_reused")
	case errors.Is(err, storage.ErrExpired):
		return fail("code_expired")
	case err != nil:
		instrumentation.RecordError(span, err)
		s.Logger.Error("Code redemption storage failure", "error", err)
		return fail("storage_error")
	}

	if code.Expired(s.now()) {
		return fail("code_expired")
	}
	if code.ClientID != req.ClientID {
		return fail("client_mismatch")
	}
	if req.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
		return fail("redirect_uri_mismatch")
	}
	if err := validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return fail("pkce_failed")
	}

	raw, claims, err := s.issuer.Issue(token.Grant{
		InternalID: code.InternalPrincipalID,
		ExternalID: code.ExternalPrincipalID,
		ClientID:   code.ClientID,
		Scope:      code.Scope,
		TTL:        time.Duration(s.Config.AccessTokenTTL) * time.Second,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	s.Auditor.LogTokenIssued(code.InternalPrincipalID, code.ClientID, req.ClientIP, code.Scope)
	s.metrics.RecordCodeRedemption(ctx, code.ClientID, true)
	instrumentation.AddFlowAttributes(span, code.ClientID, "", code.Scope)
	instrumentation.SetSpanSuccess(span)

	return &TokenResponse{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int64(claims.ExpiresAt.Sub(claims.IssuedAt.Time).Seconds()),
		Scope:       code.Scope,
	}, nil
}
