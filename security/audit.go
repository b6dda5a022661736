package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor writes security events with hashed principal identifiers.
// A nil *Auditor discards everything.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type string

	// Principal is an internal or external principal id; it is hashed
	Principal string

	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}

	attrs := []any{
		"event_type", event.Type,
		"principal_hash", HashForLogging(event.Principal),
		"timestamp", event.Timestamp,
	}
	if event.ClientID != "" {
		attrs = append(attrs, "client_id", event.ClientID)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)
}

// LogClientRegistered logs a dynamic or trusted client registration.
func (a *Auditor) LogClientRegistered(clientID, ipAddress string, redirectURIs int, trusted bool) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"redirect_uris": redirectURIs,
			"trusted":       trusted,
		},
	})
}

// LogAuthorizationStarted logs the creation of a bridge session.
func (a *Auditor) LogAuthorizationStarted(clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationStarted,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogIdentityVerified logs a successful external identity check and the
// internal principal it resolved to.
func (a *Auditor) LogIdentityVerified(externalID, internalID, clientID, provider string) {
	a.LogEvent(Event{
		Type:      EventIdentityVerified,
		Principal: internalID,
		ClientID:  clientID,
		Details: map[string]any{
			"provider":      provider,
			"external_hash": HashForLogging(externalID),
		},
	})
}

// LogIdentityRejected logs failed identity verification or resolution.
func (a *Auditor) LogIdentityRejected(eventType, externalID, clientID, reason string) {
	a.LogEvent(Event{
		Type:      eventType,
		Principal: externalID,
		ClientID:  clientID,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenIssued logs a successful code redemption.
func (a *Auditor) LogTokenIssued(internalID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		Principal: internalID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogRedeemFailure logs the precise reason a redemption failed. The client
// only ever sees invalid_grant.
func (a *Auditor) LogRedeemFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventRedeemFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogSessionEvent logs connection session lifecycle events.
func (a *Auditor) LogSessionEvent(eventType, internalID, clientID, sessionPrefix string) {
	a.LogEvent(Event{
		Type:      eventType,
		Principal: internalID,
		ClientID:  clientID,
		Details:   map[string]any{"session_prefix": sessionPrefix},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// HashForLogging returns a short sha256 prefix of a sensitive value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
