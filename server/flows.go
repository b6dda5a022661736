package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/mcp-oauth-bridge/identity"
	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

// FlowState is the position of an authorization attempt.
type FlowState string

const (
	FlowStart            FlowState = "START"
	FlowAwaitingIdentity FlowState = "AWAITING_IDENTITY"
	FlowIdentityResolved FlowState = "IDENTITY_RESOLVED"
	FlowCodeIssued       FlowState = "CODE_ISSUED"
	FlowExpired          FlowState = "EXPIRED"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// AuthorizationRequest is an agent's authorize request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	// StatePresent is set when the request carried a state parameter,
	// even an empty one
	StatePresent bool
	ClientIP     string
}

// AuthorizationStart is where the user agent goes next.
type AuthorizationStart struct {
	BridgeSessionID   string
	AuthenticationURL string
	ExpiresAt         time.Time
	State             FlowState
}

// AuthorizationResult carries the redirect back to the agent.
type AuthorizationResult struct {
	RedirectURL         string
	ClientID            string
	InternalPrincipalID string
	State               FlowState
}

// StartAuthorization validates req, creates a bridge session and returns the
// identity provider URL. Nothing about the caller's existing browser state
// is consulted.
func (s *Server) StartAuthorization(ctx context.Context, req AuthorizationRequest) (*AuthorizationStart, error) {
	ctx, span := s.startSpan(ctx, "server.StartAuthorization")
	defer span.End()
	instrumentation.AddFlowAttributes(span, req.ClientID, string(FlowStart), req.Scope)

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthorizationRejected,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"reason": "unknown_client"},
		})
		return nil, err
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, fmt.Errorf("%w: unsupported response_type %q", ErrInvalidRequest, req.ResponseType)
	}

	method, err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if req.RedirectURI == "" {
		return nil, fmt.Errorf("%w: redirect_uri is required", ErrInvalidRequest)
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, fmt.Errorf("%w: redirect_uri is not registered for this client", ErrInvalidRequest)
	}
	if len(client.RedirectURIs) == 0 {
		if err := validateRegisteredRedirectURI(req.RedirectURI); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	scope, err := s.resolveScope(req.Scope)
	if err != nil {
		return nil, err
	}

	now := s.now()
	pending := &storage.PendingAuthorization{
		BridgeSessionID:     generateRandomToken(),
		ClientID:            client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		State:               req.State,
		StatePresent:        req.StatePresent || req.State != "",
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationTTL) * time.Second),
	}

	authURL, err := s.provider.AuthenticationURL(pending.BridgeSessionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to build authentication URL: %w", err)
	}

	if err := s.store.SavePendingAuthorization(ctx, pending); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save bridge session: %w", err)
	}

	s.Auditor.LogAuthorizationStarted(client.ClientID, req.ClientIP, scope)
	s.metrics.RecordAuthorizationStarted(ctx, client.ClientID)
	s.Logger.Debug("Authorization started",
		"client_id", client.ClientID,
		"bridge_session_prefix", util.SafeTruncate(pending.BridgeSessionID, idLogLength),
		"state", FlowAwaitingIdentity)

	instrumentation.AddFlowAttributes(span, "", string(FlowAwaitingIdentity), "")
	instrumentation.SetSpanSuccess(span)

	return &AuthorizationStart{
		BridgeSessionID:   pending.BridgeSessionID,
		AuthenticationURL: authURL,
		ExpiresAt:         pending.ExpiresAt,
		State:             FlowAwaitingIdentity,
	}, nil
}

// ResumeAuthorization re-issues the identity provider URL for a live bridge
// session, so that a user agent that navigated away can pick up again.
func (s *Server) ResumeAuthorization(ctx context.Context, bridgeSessionID string) (*AuthorizationStart, error) {
	pending, err := s.lookupPending(ctx, bridgeSessionID)
	if err != nil {
		return nil, err
	}

	authURL, err := s.provider.AuthenticationURL(pending.BridgeSessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to build authentication URL: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationResumed,
		ClientID: pending.ClientID,
	})

	return &AuthorizationStart{
		BridgeSessionID:   pending.BridgeSessionID,
		AuthenticationURL: authURL,
		ExpiresAt:         pending.ExpiresAt,
		State:             FlowAwaitingIdentity,
	}, nil
}

func (s *Server) lookupPending(ctx context.Context, bridgeSessionID string) (*storage.PendingAuthorization, error) {
	if bridgeSessionID == "" {
		return nil, ErrSessionNotFound
	}
	pending, err := s.store.GetPendingAuthorization(ctx, bridgeSessionID)
	if errors.Is(err, storage.ErrNotFound) {
		s.Auditor.LogEvent(security.Event{
			Type:    security.EventBridgeSessionExpired,
			Details: map[string]any{"bridge_session_prefix": util.SafeTruncate(bridgeSessionID, idLogLength)},
		})
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bridge session: %w", err)
	}
	return pending, nil
}

// CompleteAuthorization verifies the identity evidence returned for a
// bridge session, resolves the internal principal and issues a one-time
// code. The bridge session is consumed only once the principal is resolved,
// so a failed login can be retried against the same session; it still
// completes at most once.
func (s *Server) CompleteAuthorization(ctx context.Context, bridgeSessionID string, evidence providers.Evidence) (*AuthorizationResult, error) {
	ctx, span := s.startSpan(ctx, "server.CompleteAuthorization")
	defer span.End()

	pending, err := s.lookupPending(ctx, bridgeSessionID)
	if err != nil {
		instrumentation.AddFlowAttributes(span, "", string(FlowExpired), "")
		instrumentation.RecordError(span, err)
		s.metrics.RecordAuthorizationCompleted(ctx, "", string(FlowExpired))
		return nil, err
	}
	instrumentation.AddFlowAttributes(span, pending.ClientID, string(FlowAwaitingIdentity), pending.Scope)

	ident, err := s.provider.Verify(ctx, bridgeSessionID, evidence)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Auditor.LogIdentityRejected(security.EventIdentityRejected, "", pending.ClientID, err.Error())
		s.metrics.RecordAuthorizationCompleted(ctx, pending.ClientID, "identity_rejected")
		s.Logger.Info("Identity verification failed",
			"client_id", pending.ClientID,
			"provider", s.provider.Name(),
			"error", err)
		return nil, fmt.Errorf("%w: %w", ErrIdentityVerification, err)
	}

	internalID, err := s.resolver.Resolve(ctx, ident.Subject)
	if err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, identity.ErrPrincipalNotFound) {
			s.Auditor.LogIdentityRejected(security.EventPrincipalNotFound, ident.Subject, pending.ClientID, "no_internal_principal")
			s.metrics.RecordAuthorizationCompleted(ctx, pending.ClientID, "principal_not_found")
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("failed to resolve principal: %w", err)
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrFlowState, string(FlowIdentityResolved)),
		attribute.String(instrumentation.AttrProviderName, s.provider.Name()))
	s.Auditor.LogIdentityVerified(ident.Subject, internalID, pending.ClientID, s.provider.Name())

	// Consume last: of concurrent callbacks for the same session only one
	// gets this far.
	if _, err := s.store.ConsumePendingAuthorization(ctx, bridgeSessionID); err != nil {
		instrumentation.RecordError(span, err)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to consume bridge session: %w", err)
	}

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		InternalPrincipalID: internalID,
		ExternalPrincipalID: ident.Subject,
		ClientID:            pending.ClientID,
		RedirectURI:         pending.RedirectURI,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.CodeChallengeMethod,
		Scope:               pending.Scope,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to save authorization code: %w", err)
	}

	params := url.Values{"code": {code.Code}}
	if pending.StatePresent {
		params.Set("state", pending.State)
	}
	redirect, err := util.AppendQuery(pending.RedirectURI, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build redirect: %w", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationCodeSent,
		Principal: internalID,
		ClientID:  pending.ClientID,
	})
	s.metrics.RecordAuthorizationCompleted(ctx, pending.ClientID, string(FlowCodeIssued))
	s.Logger.Info("Authorization code issued",
		"client_id", pending.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, idLogLength))

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrFlowState, string(FlowCodeIssued)))
	instrumentation.SetSpanSuccess(span)

	return &AuthorizationResult{
		RedirectURL:         redirect,
		ClientID:            pending.ClientID,
		InternalPrincipalID: internalID,
		State:               FlowCodeIssued,
	}, nil
}
