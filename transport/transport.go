package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/util"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

// HTTP headers used by the transport.
const (
	SessionIDHeader       = "Mcp-Session-Id"
	ProtocolVersionHeader = "Mcp-Protocol-Version"
	LastEventIDHeader     = "Last-Event-ID"
)

const (
	methodInitialize = "initialize"

	// idLogLength is how much of a session id may appear in logs
	idLogLength = 8
)

// Transport is the MCP Streamable HTTP endpoint.
type Transport struct {
	mcp    *mcpserver.MCPServer
	store  *storage.Store
	config Config
	logger *slog.Logger

	Auditor *security.Auditor

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a transport over store and starts its registry sweeper.
// Call Close when done.
func New(store *storage.Store, config Config, logger *slog.Logger) (*Transport, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	t := &Transport{
		store:    store,
		config:   config,
		logger:   logger,
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		now:      time.Now,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	t.mcp = mcpserver.NewMCPServer(config.ServerName, config.Version,
		mcpserver.WithToolCapabilities(false),
	)
	t.registerTools()

	go t.sweepLoop()
	return t, nil
}

// SetAuditor sets the security auditor
func (t *Transport) SetAuditor(aud *security.Auditor) {
	t.Auditor = aud
}

// SetInstrumentation enables session metrics and tracing.
func (t *Transport) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	t.metrics = inst.Metrics()
	t.tracer = inst.Tracer("transport")
}

// SetClock overrides the time source. Intended for tests.
func (t *Transport) SetClock(now func() time.Time) {
	t.now = now
}

// MCPServer returns the underlying MCP server so that callers can register
// additional tools.
func (t *Transport) MCPServer() *mcpserver.MCPServer {
	return t.mcp
}

// Close stops the sweeper and ends every open stream.
func (t *Transport) Close() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})

	t.mu.Lock()
	sessions := make([]*session, 0, len(t.sessions))
	for id, s := range t.sessions {
		sessions = append(sessions, s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.close()
		t.mcp.UnregisterSession(context.Background(), s.id)
	}
}

// ActiveSessions returns the number of sessions known to this process.
func (t *Transport) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Routes registers the MCP endpoint at path behind auth, plus /status.
// CORS preflights bypass auth because browsers never send credentials on
// them.
func (t *Transport) Routes(mux *http.ServeMux, path string, auth func(http.Handler) http.Handler) {
	protected := auth(t)
	mux.Handle(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			t.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	}))
	mux.HandleFunc(StatusPath, t.ServeStatus)
}

// ServeHTTP dispatches on method after checking the Origin.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !t.originAllowed(origin) {
		t.logger.Warn("Rejected MCP request from disallowed origin", "origin", origin)
		t.Auditor.LogEvent(security.Event{
			Type:    security.EventOriginRejected,
			Details: map[string]any{"origin": util.SafeTruncate(origin, 128)},
		})
		writeRPCError(w, http.StatusForbidden, nil, mcp.INVALID_REQUEST, "Origin not allowed")
		return
	}
	t.setCORSHeaders(w, origin)

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (t *Transport) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = normalizeOrigin(origin)
	if isLocalhostOrigin(origin) {
		return true
	}
	if len(t.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(t.config.AllowedOrigins, origin)
}

func (t *Transport) setCORSHeaders(w http.ResponseWriter, origin string) {
	h := w.Header()
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", "Authorization", SessionIDHeader, ProtocolVersionHeader, LastEventIDHeader,
	}, ", "))
	h.Set("Access-Control-Expose-Headers", SessionIDHeader)
	h.Set("Access-Control-Max-Age", "3600")
}

// messageHeader is the part of a JSON-RPC message the transport routes on.
type messageHeader struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	ctx, span := t.tracer.Start(r.Context(), "transport.post")
	defer span.End()
	logger := security.LoggerFor(ctx, t.logger)

	claims, ok := token.ClaimsFromContext(ctx)
	if !ok {
		writeRPCError(w, http.StatusUnauthorized, nil, mcp.INVALID_REQUEST, "Unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge, nil, mcp.INVALID_REQUEST, "Request body too large")
			return
		}
		writeRPCError(w, http.StatusBadRequest, nil, mcp.PARSE_ERROR, "Failed to read request body")
		return
	}

	messages, batch, err := splitMessages(body)
	if err != nil {
		instrumentation.SetSpanError(span, "parse error")
		writeRPCError(w, http.StatusBadRequest, nil, mcp.PARSE_ERROR, "Parse error")
		return
	}
	headers := make([]messageHeader, len(messages))
	for i, raw := range messages {
		if err := json.Unmarshal(raw, &headers[i]); err != nil {
			writeRPCError(w, http.StatusBadRequest, nil, mcp.INVALID_REQUEST, "Invalid request")
			return
		}
	}
	instrumentation.SetSpanAttributes(span,
		attribute.Bool(instrumentation.AttrMCPBatch, batch),
		attribute.String(instrumentation.AttrMCPMethod, headers[0].Method))

	if !batch && headers[0].Method == methodInitialize {
		t.handleInitialize(ctx, w, messages[0], claims)
		return
	}
	for _, h := range headers {
		if h.Method == methodInitialize {
			writeRPCError(w, http.StatusBadRequest, h.ID, mcp.INVALID_REQUEST, "initialize must be sent on its own")
			return
		}
	}

	sess, err := t.requireSession(ctx, r, claims)
	if err != nil {
		logger.Debug("Rejected MCP request", "reason", err)
		writeRPCError(w, http.StatusNotFound, rawID(headers[0].ID, batch), CodeSessionNotFound, "Session not found")
		return
	}
	ctx = t.mcp.WithContext(ctx, sess)

	var responses []mcp.JSONRPCMessage
	for _, raw := range messages {
		if resp := t.mcp.HandleMessage(ctx, raw); resp != nil {
			responses = append(responses, resp)
		}
	}

	w.Header().Set(SessionIDHeader, sess.id)
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var payload any = responses[0]
	if batch {
		payload = responses
	}
	if err := writeJSON(w, http.StatusOK, payload); err != nil {
		logger.Warn("Failed to write MCP response", "error", err)
	}
}

// handleInitialize always creates a new session, even when the request
// already names one.
func (t *Transport) handleInitialize(ctx context.Context, w http.ResponseWriter, raw json.RawMessage, claims *token.Claims) {
	now := t.now()
	record := &storage.ConnectionSession{
		SessionID:           uuid.NewString(),
		InternalPrincipalID: claims.InternalID(),
		ClientID:            claims.ClientID,
		CreatedAt:           now,
		LastActivityAt:      now,
	}
	if err := t.store.CreateConnectionSession(ctx, record, t.config.SessionIdleTTL); err != nil {
		security.LoggerFor(ctx, t.logger).Error("Failed to create connection session", "error", err)
		writeRPCError(w, http.StatusInternalServerError, nil, mcp.INTERNAL_ERROR, "Failed to create session")
		return
	}

	sess, err := t.attach(ctx, record)
	if err != nil {
		security.LoggerFor(ctx, t.logger).Error("Failed to register MCP session", "error", err)
		writeRPCError(w, http.StatusInternalServerError, nil, mcp.INTERNAL_ERROR, "Failed to create session")
		return
	}

	resp := t.mcp.HandleMessage(t.mcp.WithContext(ctx, sess), raw)
	if isRPCError(resp) {
		// A rejected handshake leaves no session behind.
		if err := t.store.DeleteConnectionSession(ctx, record.SessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			security.LoggerFor(ctx, t.logger).Warn("Failed to remove rejected session", "error", err)
		}
		t.detach(ctx, record.SessionID)
		t.metrics.RecordSessionRejected(ctx)
		_ = writeJSON(w, http.StatusOK, resp)
		return
	}

	t.Auditor.LogSessionEvent(security.EventSessionCreated, record.InternalPrincipalID, record.ClientID,
		util.SafeTruncate(record.SessionID, idLogLength))
	t.metrics.RecordSessionCreated(ctx)
	t.logger.Info("Created MCP session",
		"session_prefix", util.SafeTruncate(record.SessionID, idLogLength),
		"client_id", record.ClientID)

	w.Header().Set(SessionIDHeader, record.SessionID)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	_ = writeJSON(w, http.StatusOK, resp)
}

// requireSession loads the session named by the request header, checks it
// belongs to the caller and records activity.
func (t *Transport) requireSession(ctx context.Context, r *http.Request, claims *token.Claims) (*session, error) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		t.metrics.RecordSessionRejected(ctx)
		return nil, ErrSessionNotFound
	}

	record, err := t.store.GetConnectionSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			security.LoggerFor(ctx, t.logger).Error("Failed to load connection session", "error", err)
		}
		t.detach(ctx, sessionID)
		t.metrics.RecordSessionRejected(ctx)
		return nil, ErrSessionNotFound
	}
	if record.InternalPrincipalID != claims.InternalID() {
		t.Auditor.LogSessionEvent(security.EventSessionRejected, claims.InternalID(), claims.ClientID,
			util.SafeTruncate(sessionID, idLogLength))
		t.metrics.RecordSessionRejected(ctx)
		return nil, ErrSessionNotFound
	}

	// Backends round TTLs, so a record may outlive its idle window slightly.
	now := t.now()
	if now.Sub(record.LastActivityAt) > t.config.SessionIdleTTL {
		_ = t.store.DeleteConnectionSession(ctx, sessionID)
		if t.detach(ctx, sessionID) {
			t.metrics.RecordSessionTerminated(ctx, "idle")
		}
		t.metrics.RecordSessionRejected(ctx)
		return nil, ErrSessionExpired
	}

	if _, err := t.store.TouchConnectionSession(ctx, sessionID, now, t.config.SessionIdleTTL); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			t.detach(ctx, sessionID)
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}

	return t.attach(ctx, record)
}

// attach returns the local session for record, creating and registering it
// with the MCP server if this process has not seen it yet.
func (t *Transport) attach(ctx context.Context, record *storage.ConnectionSession) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[record.SessionID]; ok {
		return s, nil
	}
	s := newSession(record.SessionID, record.InternalPrincipalID, record.ClientID)
	if err := t.mcp.RegisterSession(ctx, s); err != nil {
		return nil, err
	}
	t.sessions[s.id] = s
	return s, nil
}

// detach drops a local session and ends its streams. It reports whether the
// session was known locally.
func (t *Transport) detach(ctx context.Context, sessionID string) bool {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	t.mcp.UnregisterSession(ctx, sessionID)
	return true
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := token.ClaimsFromContext(ctx)
	if !ok {
		writeRPCError(w, http.StatusUnauthorized, nil, mcp.INVALID_REQUEST, "Unauthorized")
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	record, err := t.store.GetConnectionSession(ctx, sessionID)
	if err != nil || record.InternalPrincipalID != claims.InternalID() {
		t.metrics.RecordSessionRejected(ctx)
		writeRPCError(w, http.StatusNotFound, nil, CodeSessionNotFound, "Session not found")
		return
	}

	if err := t.store.DeleteConnectionSession(ctx, sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		security.LoggerFor(ctx, t.logger).Error("Failed to delete connection session", "error", err)
		writeRPCError(w, http.StatusInternalServerError, nil, mcp.INTERNAL_ERROR, "Failed to terminate session")
		return
	}
	t.detach(ctx, sessionID)

	t.Auditor.LogSessionEvent(security.EventSessionTerminated, record.InternalPrincipalID, record.ClientID,
		util.SafeTruncate(sessionID, idLogLength))
	t.metrics.RecordSessionTerminated(ctx, "client")
	t.logger.Info("Terminated MCP session", "session_prefix", util.SafeTruncate(sessionID, idLogLength))

	w.WriteHeader(http.StatusNoContent)
}

// Sweep drops local sessions whose store record has expired or was removed
// by another replica. It returns how many were dropped.
func (t *Transport) Sweep(ctx context.Context) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	dropped := 0
	for _, id := range ids {
		_, err := t.store.GetConnectionSession(ctx, id)
		if !errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if t.detach(ctx, id) {
			dropped++
			t.metrics.RecordSessionTerminated(ctx, "idle")
		}
	}
	if dropped > 0 {
		t.logger.Debug("Dropped idle MCP sessions", "count", dropped)
	}
	return dropped
}

func (t *Transport) sweepLoop() {
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep(context.Background())
		case <-t.stop:
			return
		}
	}
}

// splitMessages separates a body into messages. batch reports whether the
// body was a JSON array.
func splitMessages(body []byte) (messages []json.RawMessage, batch bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &messages); err != nil {
			return nil, true, err
		}
		if len(messages) == 0 {
			return nil, true, fmt.Errorf("empty batch")
		}
		return messages, true, nil
	}
	if !json.Valid(trimmed) {
		return nil, false, fmt.Errorf("invalid JSON")
	}
	return []json.RawMessage{trimmed}, false, nil
}

// rawID returns the request id for an error reply to a single message.
func rawID(id json.RawMessage, batch bool) json.RawMessage {
	if batch {
		return nil
	}
	return id
}

func isRPCError(msg mcp.JSONRPCMessage) bool {
	switch msg.(type) {
	case mcp.JSONRPCError, *mcp.JSONRPCError:
		return true
	}
	return false
}

func rpcError(id json.RawMessage, code int, message string) mcp.JSONRPCMessage {
	var parsed any
	if len(id) > 0 {
		_ = json.Unmarshal(id, &parsed)
	}
	return mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      mcp.NewRequestId(parsed),
		Error: mcp.JSONRPCErrorDetails{
			Code:    code,
			Message: message,
		},
	}
}

func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, message string) {
	_ = writeJSON(w, status, rpcError(id, code, message))
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
