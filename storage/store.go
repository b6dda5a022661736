package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
)

const (
	clientKeyPrefix  = "client:"
	bridgeKeyPrefix  = "bridge:"
	codeKeyPrefix    = "code:"
	sessionKeyPrefix = "conn:"

	// maxCASAttempts bounds optimistic retries on a contended key
	maxCASAttempts = 8

	// idLogLength is how much of a secret identifier may appear in logs
	idLogLength = 8
)

// Store exposes typed operations over a KV. It is the only component that
// mutates bridge state; everyone else holds keys.
type Store struct {
	kv     KV
	now    func() time.Time
	logger *slog.Logger
}

// NewStore wraps kv. A nil logger falls back to slog.Default().
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     kv,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock overrides the time source used for record expiry checks.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) getJSON(ctx context.Context, key string, v any) ([]byte, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", util.SafeTruncate(key, len(codeKeyPrefix)+idLogLength), err)
	}
	return raw, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.kv.Put(ctx, key, data, ttl)
}

// ttlUntil converts an absolute expiry into a positive TTL.
func (s *Store) ttlUntil(expiresAt time.Time) (time.Duration, error) {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return 0, ErrExpired
	}
	return ttl, nil
}

// ============================================================
// Clients
// ============================================================

// SaveClient stores a client registration without expiry.
func (s *Store) SaveClient(ctx context.Context, client *ClientRegistration) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client registration")
	}
	if err := s.putJSON(ctx, clientKeyPrefix+client.ClientID, client, 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	s.logger.Debug("Saved client registration", "client_id", client.ClientID)
	return nil
}

// GetClient returns a registered client or ErrNotFound.
func (s *Store) GetClient(ctx context.Context, clientID string) (*ClientRegistration, error) {
	if clientID == "" {
		return nil, ErrNotFound
	}
	var client ClientRegistration
	if _, err := s.getJSON(ctx, clientKeyPrefix+clientID, &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// ============================================================
// Pending authorizations (bridge sessions)
// ============================================================

// SavePendingAuthorization stores p until its ExpiresAt.
func (s *Store) SavePendingAuthorization(ctx context.Context, p *PendingAuthorization) error {
	if p == nil || p.BridgeSessionID == "" {
		return fmt.Errorf("invalid pending authorization")
	}
	ttl, err := s.ttlUntil(p.ExpiresAt)
	if err != nil {
		return err
	}
	if err := s.putJSON(ctx, bridgeKeyPrefix+p.BridgeSessionID, p, ttl); err != nil {
		return fmt.Errorf("failed to save pending authorization: %w", err)
	}
	return nil
}

// GetPendingAuthorization returns a live pending authorization without
// consuming it. Expired entries are reported as ErrNotFound.
func (s *Store) GetPendingAuthorization(ctx context.Context, bridgeSessionID string) (*PendingAuthorization, error) {
	var p PendingAuthorization
	if _, err := s.getJSON(ctx, bridgeKeyPrefix+bridgeSessionID, &p); err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		_ = s.kv.Delete(ctx, bridgeKeyPrefix+bridgeSessionID)
		return nil, ErrNotFound
	}
	return &p, nil
}

// ConsumePendingAuthorization atomically removes and returns a pending
// authorization. Of several concurrent callers exactly one succeeds; the
// others get ErrNotFound.
func (s *Store) ConsumePendingAuthorization(ctx context.Context, bridgeSessionID string) (*PendingAuthorization, error) {
	key := bridgeKeyPrefix + bridgeSessionID

	var p PendingAuthorization
	raw, err := s.getJSON(ctx, key, &p)
	if err != nil {
		return nil, err
	}

	swapped, err := s.kv.CompareAndSwap(ctx, key, raw, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to consume pending authorization: %w", err)
	}
	if !swapped {
		return nil, ErrNotFound
	}
	if p.Expired(s.now()) {
		return nil, ErrNotFound
	}

	s.logger.Debug("Consumed pending authorization",
		"bridge_session_prefix", util.SafeTruncate(bridgeSessionID, idLogLength),
		"client_id", p.ClientID)
	return &p, nil
}

// ============================================================
// Authorization codes
// ============================================================

// SaveAuthorizationCode stores a fresh, unconsumed code until its ExpiresAt.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	ttl, err := s.ttlUntil(code.ExpiresAt)
	if err != nil {
		return err
	}
	if err := s.putJSON(ctx, codeKeyPrefix+code.Code, code, ttl); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// RedeemAuthorizationCode marks a code consumed with a single check-and-set
// and returns it. Concurrent redemptions of the same code see exactly one
// success; the rest get ErrAlreadyConsumed. An absent code yields ErrNotFound
// and an expired one ErrExpired.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	key := codeKeyPrefix + code

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var rec AuthorizationCode
		raw, err := s.getJSON(ctx, key, &rec)
		if err != nil {
			return nil, err
		}
		if rec.Consumed {
			return nil, ErrAlreadyConsumed
		}
		if rec.Expired(s.now()) {
			_ = s.kv.Delete(ctx, key)
			return nil, ErrExpired
		}

		rec.Consumed = true
		next, err := json.Marshal(&rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode authorization code: %w", err)
		}

		swapped, err := s.kv.CompareAndSwap(ctx, key, raw, next, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
		}
		if swapped {
			s.logger.Debug("Redeemed authorization code",
				"code_prefix", util.SafeTruncate(code, idLogLength),
				"client_id", rec.ClientID)
			return &rec, nil
		}
	}

	return nil, ErrConflict
}

// ============================================================
// Connection sessions
// ============================================================

// CreateConnectionSession stores a new session that expires after idleTTL
// without activity.
func (s *Store) CreateConnectionSession(ctx context.Context, sess *ConnectionSession, idleTTL time.Duration) error {
	if sess == nil || sess.SessionID == "" {
		return fmt.Errorf("invalid connection session")
	}
	if err := s.putJSON(ctx, sessionKeyPrefix+sess.SessionID, sess, idleTTL); err != nil {
		return fmt.Errorf("failed to create connection session: %w", err)
	}
	return nil
}

// GetConnectionSession returns a live session or ErrNotFound.
func (s *Store) GetConnectionSession(ctx context.Context, sessionID string) (*ConnectionSession, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	var sess ConnectionSession
	if _, err := s.getJSON(ctx, sessionKeyPrefix+sessionID, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// TouchConnectionSession records activity at now and restarts the idle TTL.
func (s *Store) TouchConnectionSession(ctx context.Context, sessionID string, now time.Time, idleTTL time.Duration) (*ConnectionSession, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	key := sessionKeyPrefix + sessionID

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var sess ConnectionSession
		raw, err := s.getJSON(ctx, key, &sess)
		if err != nil {
			return nil, err
		}

		if now.After(sess.LastActivityAt) {
			sess.LastActivityAt = now
		}
		next, err := json.Marshal(&sess)
		if err != nil {
			return nil, fmt.Errorf("failed to encode connection session: %w", err)
		}

		swapped, err := s.kv.CompareAndSwap(ctx, key, raw, next, idleTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to touch connection session: %w", err)
		}
		if swapped {
			return &sess, nil
		}
	}

	return nil, ErrConflict
}

// DeleteConnectionSession removes a session. It returns ErrNotFound if the
// session did not exist so that callers can report termination of an unknown
// session.
func (s *Store) DeleteConnectionSession(ctx context.Context, sessionID string) error {
	key := sessionKeyPrefix + sessionID
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	swapped, err := s.kv.CompareAndSwap(ctx, key, raw, nil, 0)
	if err != nil {
		return fmt.Errorf("failed to delete connection session: %w", err)
	}
	if !swapped {
		// A concurrent touch rewrote the value; deletion still wins.
		if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to delete connection session: %w", err)
		}
	}
	return nil
}
