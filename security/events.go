package security

// Audit event types.
const (
	// Client registration
	EventClientRegistered = "client_registered"

	// Authorization flow
	EventAuthorizationStarted  = "authorization_started"
	EventAuthorizationResumed  = "authorization_resumed"
	EventAuthorizationRejected = "authorization_rejected"
	EventBridgeSessionExpired  = "bridge_session_expired"
	EventIdentityVerified      = "identity_verified"
	EventIdentityRejected      = "identity_rejected"
	EventPrincipalNotFound     = "principal_not_found"
	EventAuthorizationCodeSent = "authorization_code_issued"

	// Token endpoint
	EventTokenIssued   = "token_issued"
	EventRedeemFailure = "code_redeem_failure"

	// Bearer and connection sessions
	EventBearerRejected    = "bearer_rejected"
	EventSessionCreated    = "connection_session_created"
	EventSessionTerminated = "connection_session_terminated"
	EventSessionRejected   = "connection_session_rejected"

	// Abuse
	EventRateLimitExceeded = "rate_limit_exceeded"
	EventOriginRejected    = "origin_rejected"
)
