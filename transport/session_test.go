package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

func TestSession_Streams(t *testing.T) {
	s := newSession("sess-1", "int-7", "mcp-agent")

	id1, done1, ok := s.subscribe()
	if !ok {
		t.Fatal("subscribe() on an open session failed")
	}
	_, done2, _ := s.subscribe()
	if got := s.streamCount(); got != 2 {
		t.Fatalf("streamCount() = %d, want 2", got)
	}

	s.unsubscribe(id1)
	if got := s.streamCount(); got != 1 {
		t.Fatalf("streamCount() after unsubscribe = %d, want 1", got)
	}

	s.close()
	s.close()

	select {
	case <-done2:
	default:
		t.Error("close() did not end the open stream")
	}
	select {
	case <-done1:
		t.Error("close() closed a stream that had already unsubscribed")
	default:
	}

	if _, _, ok := s.subscribe(); ok {
		t.Error("subscribe() on a closed session succeeded")
	}
	if got := s.streamCount(); got != 0 {
		t.Errorf("streamCount() after close = %d, want 0", got)
	}
}

func TestSession_ClientSession(t *testing.T) {
	s := newSession("sess-1", "int-7", "mcp-agent")
	if s.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q", s.SessionID())
	}
	if s.Initialized() {
		t.Error("new session reports initialized")
	}
	s.Initialize()
	if !s.Initialized() {
		t.Error("Initialize() had no effect")
	}
	if s.NotificationChannel() == nil {
		t.Error("NotificationChannel() is nil")
	}
}

func TestRequireSession_StaleRecord(t *testing.T) {
	tt := newTestTransport(t, Config{SessionIdleTTL: time.Minute})
	ctx := context.Background()

	// A backend that keeps the record longer than the idle window.
	stale := &storage.ConnectionSession{
		SessionID:           "stale-session",
		InternalPrincipalID: "int-7",
		ClientID:            "mcp-agent",
		CreatedAt:           tt.clock.Now().Add(-time.Hour),
		LastActivityAt:      tt.clock.Now().Add(-2 * time.Minute),
	}
	if err := tt.store.CreateConnectionSession(ctx, stale, time.Hour); err != nil {
		t.Fatalf("CreateConnectionSession() error = %v", err)
	}

	claims := &token.Claims{ClientID: "mcp-agent"}
	claims.Subject = "int-7"
	req := httptest.NewRequest("POST", DefaultPath, nil)
	req.Header.Set(SessionIDHeader, "stale-session")

	if _, err := tt.tr.requireSession(ctx, req, claims); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("requireSession() error = %v, want ErrSessionExpired", err)
	}
	if _, err := tt.store.GetConnectionSession(ctx, "stale-session"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale record was not deleted: %v", err)
	}
}
