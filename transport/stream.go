package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// SSE event names.
const (
	eventConnected = "connected"
	eventHeartbeat = "heartbeat"
	eventMessage   = "message"
)

type connectedEvent struct {
	Type    string `json:"type"`
	Session string `json:"session"`
}

type heartbeatEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// handleGet opens the server-sent event stream of an existing session. It
// ends when the client disconnects, the session is terminated or its store
// record expires.
func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := security.LoggerFor(ctx, t.logger)

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeRPCError(w, http.StatusNotAcceptable, nil, mcp.INVALID_REQUEST, "Accept must include text/event-stream")
		return
	}
	claims, ok := token.ClaimsFromContext(ctx)
	if !ok {
		writeRPCError(w, http.StatusUnauthorized, nil, mcp.INVALID_REQUEST, "Unauthorized")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, nil, mcp.INTERNAL_ERROR, "Streaming unsupported")
		return
	}

	sess, err := t.requireSession(ctx, r, claims)
	if err != nil {
		writeRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, "Session not found")
		return
	}
	streamID, done, ok := sess.subscribe()
	if !ok {
		writeRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, "Session not found")
		return
	}
	defer sess.unsubscribe(streamID)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(SessionIDHeader, sess.id)
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, eventConnected, connectedEvent{Type: eventConnected, Session: sess.id}); err != nil {
		return
	}
	flusher.Flush()

	logger.Debug("Opened MCP event stream", "session_prefix", util.SafeTruncate(sess.id, idLogLength))

	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case n := <-sess.notifications:
			if err := writeEvent(w, eventMessage, n); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			now := t.now()
			if _, err := t.store.TouchConnectionSession(ctx, sess.id, now, t.config.SessionIdleTTL); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					logger.Debug("Closing stream of expired MCP session",
						"session_prefix", util.SafeTruncate(sess.id, idLogLength))
					if t.detach(ctx, sess.id) {
						t.metrics.RecordSessionTerminated(ctx, "idle")
					}
					return
				}
				logger.Warn("Failed to record stream activity", "error", err)
			}
			if err := writeEvent(w, eventHeartbeat, heartbeatEvent{Type: eventHeartbeat, Timestamp: now.Unix()}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
