package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/mcp-oauth-bridge/internal/testutil"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/memory"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"agent","version":"1.0.0"}}}`

// principalAuth stands in for the bearer middleware: the bearer value is
// taken as the internal principal id.
func principalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || principal == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		claims := &token.Claims{ClientID: "mcp-agent", Scope: "mcp", ExternalID: "ext-" + principal}
		claims.Subject = principal
		next.ServeHTTP(w, r.WithContext(token.WithClaims(r.Context(), claims)))
	})
}

type testTransport struct {
	t     *testing.T
	tr    *Transport
	store *storage.Store
	clock *testutil.MockTime
	mux   *http.ServeMux
}

func newTestTransport(t *testing.T, config Config) *testTransport {
	t.Helper()

	clock := testutil.NewMockTime(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewMemoryStore(t, clock)

	tr, err := New(store, config, nil)
	require.NoError(t, err)
	tr.SetClock(clock.Now)
	t.Cleanup(tr.Close)

	mux := http.NewServeMux()
	tr.Routes(mux, DefaultPath, principalAuth)

	return &testTransport{t: t, tr: tr, store: store, clock: clock, mux: mux}
}

func (tt *testTransport) post(principal, sessionID, body string, headers ...string) *httptest.ResponseRecorder {
	tt.t.Helper()
	req := httptest.NewRequest(http.MethodPost, DefaultPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if principal != "" {
		req.Header.Set("Authorization", "Bearer "+principal)
	}
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	tt.mux.ServeHTTP(rec, req)
	return rec
}

func (tt *testTransport) initialize(principal string) string {
	tt.t.Helper()
	rec := tt.post(principal, "", initializeBody)
	require.Equal(tt.t, http.StatusOK, rec.Code, rec.Body.String())
	id := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(tt.t, id)
	return id
}

func (tt *testTransport) delete(principal, sessionID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodDelete, DefaultPath, nil)
	req.Header.Set("Authorization", "Bearer "+principal)
	req.Header.Set(SessionIDHeader, sessionID)
	rec := httptest.NewRecorder()
	tt.mux.ServeHTTP(rec, req)
	return rec
}

type rpcResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func toolText(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	resp := decodeRPC(t, rec)
	require.Nil(t, resp.Error)
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	return result.Content[0].Text
}

func callTool(name string) string {
	return `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"` + name + `","arguments":{}}}`
}

func TestTransport_SessionLifecycle(t *testing.T) {
	tt := newTestTransport(t, Config{Version: "1.2.3"})

	rec := tt.post("int-7", "", initializeBody)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(SessionIDHeader)
	require.NotEmpty(t, sessionID)

	var init struct {
		ServerInfo struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	require.NoError(t, json.Unmarshal(decodeRPC(t, rec).Result, &init))
	assert.Equal(t, DefaultServerName, init.ServerInfo.Name)
	assert.Equal(t, "1.2.3", init.ServerInfo.Version)

	rec = tt.post("int-7", sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = tt.post("int-7", sessionID, callTool(ToolWhoAmI))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var who whoAmIResult
	require.NoError(t, json.Unmarshal([]byte(toolText(t, rec)), &who))
	assert.Equal(t, "int-7", who.Principal)
	assert.Equal(t, "ext-int-7", who.ExternalID)
	assert.Equal(t, "mcp-agent", who.ClientID)

	rec = tt.delete("int-7", sessionID)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, tt.tr.ActiveSessions())

	rec = tt.post("int-7", sessionID, callTool(ToolWhoAmI))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeSessionNotFound, resp.Error.Code)

	assert.Equal(t, http.StatusNotFound, tt.delete("int-7", sessionID).Code)
}

func TestTransport_InitializeCreatesDistinctSessions(t *testing.T) {
	tt := newTestTransport(t, Config{})

	first := tt.initialize("int-7")
	second := tt.initialize("int-7")

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, tt.tr.ActiveSessions())

	// Naming an existing session does not make initialize idempotent.
	rec := tt.post("int-7", first, initializeBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, first, rec.Header().Get(SessionIDHeader))
}

func TestTransport_RejectedInitializeLeavesNoSession(t *testing.T) {
	kv := memory.New()
	t.Cleanup(kv.Stop)
	tr, err := New(storage.NewStore(kv, nil), Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	mux := http.NewServeMux()
	tr.Routes(mux, DefaultPath, principalAuth)
	tt := &testTransport{t: t, tr: tr, mux: mux}

	rec := tt.post("int-7", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":"garbage"}`)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error, rec.Body.String())
	assert.Equal(t, -32600, resp.Error.Code)
	assert.Empty(t, rec.Header().Get(SessionIDHeader))
	assert.Equal(t, 0, tr.ActiveSessions())
	assert.Equal(t, 0, kv.Len())

	// The same principal can still connect afterwards.
	tt.initialize("int-7")
	assert.Equal(t, 1, tr.ActiveSessions())
}

func TestTransport_RejectsUnusableSessions(t *testing.T) {
	tt := newTestTransport(t, Config{})
	owned := tt.initialize("int-7")

	tests := []struct {
		name      string
		principal string
		sessionID string
	}{
		{name: "missing session header", principal: "int-7"},
		{name: "unknown session", principal: "int-7", sessionID: "00000000-0000-0000-0000-000000000000"},
		{name: "session of another principal", principal: "int-8", sessionID: owned},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := tt.post(tc.principal, tc.sessionID, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
			require.Equal(t, http.StatusNotFound, rec.Code)
			resp := decodeRPC(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, CodeSessionNotFound, resp.Error.Code)
			assert.EqualValues(t, 9, resp.ID)
		})
	}

	// The owner can still use it.
	rec := tt.post("int-7", owned, `{"jsonrpc":"2.0","id":10,"method":"ping"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTransport_DeleteForeignSession(t *testing.T) {
	tt := newTestTransport(t, Config{})
	owned := tt.initialize("int-7")

	assert.Equal(t, http.StatusNotFound, tt.delete("int-8", owned).Code)

	_, err := tt.store.GetConnectionSession(context.Background(), owned)
	assert.NoError(t, err)
}

func TestTransport_IdleSessionExpires(t *testing.T) {
	tt := newTestTransport(t, Config{SessionIdleTTL: time.Minute})
	sessionID := tt.initialize("int-7")

	tt.clock.Advance(30 * time.Second)
	rec := tt.post("int-7", sessionID, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// The ping above reset the idle window.
	tt.clock.Advance(45 * time.Second)
	assert.Equal(t, 0, tt.tr.Sweep(context.Background()))

	tt.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, tt.tr.Sweep(context.Background()))
	assert.Equal(t, 0, tt.tr.ActiveSessions())

	rec = tt.post("int-7", sessionID, `{"jsonrpc":"2.0","id":4,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransport_Batch(t *testing.T) {
	tt := newTestTransport(t, Config{})
	sessionID := tt.initialize("int-7")

	body := `[{"jsonrpc":"2.0","id":5,"method":"ping"},{"jsonrpc":"2.0","method":"notifications/initialized"},{"jsonrpc":"2.0","id":6,"method":"ping"}]`
	rec := tt.post("int-7", sessionID, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var responses []rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 2)
	assert.EqualValues(t, 5, responses[0].ID)
	assert.Nil(t, responses[0].Error)
	assert.EqualValues(t, 6, responses[1].ID)
	assert.Nil(t, responses[1].Error)

	rec = tt.post("int-7", sessionID, `[{"jsonrpc":"2.0","method":"notifications/initialized"}]`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTransport_BatchWithInitialize(t *testing.T) {
	tt := newTestTransport(t, Config{})
	sessionID := tt.initialize("int-7")

	body := `[{"jsonrpc":"2.0","id":5,"method":"ping"},{"jsonrpc":"2.0","id":6,"method":"initialize","params":{}}]`
	tests := []struct {
		name      string
		sessionID string
	}{
		{name: "with session", sessionID: sessionID},
		{name: "without session", sessionID: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := tt.post("int-7", tc.sessionID, body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decodeRPC(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, -32600, resp.Error.Code)
			assert.EqualValues(t, 6, resp.ID)
			assert.Empty(t, rec.Header().Get(SessionIDHeader))
		})
	}
	assert.Equal(t, 1, tt.tr.ActiveSessions())
}

func TestTransport_MalformedBodies(t *testing.T) {
	tt := newTestTransport(t, Config{MaxBodyBytes: 256})
	sessionID := tt.initialize("int-7")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   int
	}{
		{name: "not json", body: `{"jsonrpc":`, wantStatus: http.StatusBadRequest, wantCode: -32700},
		{name: "empty", body: ``, wantStatus: http.StatusBadRequest, wantCode: -32700},
		{name: "empty batch", body: `[]`, wantStatus: http.StatusBadRequest, wantCode: -32700},
		{name: "not an object", body: `"ping"`, wantStatus: http.StatusBadRequest, wantCode: -32600},
		{
			name:       "too large",
			body:       `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"` + strings.Repeat("x", 512) + `"}}`,
			wantStatus: http.StatusRequestEntityTooLarge,
			wantCode:   -32600,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := tt.post("int-7", sessionID, tc.body)
			require.Equal(t, tc.wantStatus, rec.Code)
			resp := decodeRPC(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.wantCode, resp.Error.Code)
		})
	}
}

func TestTransport_Origin(t *testing.T) {
	tt := newTestTransport(t, Config{AllowedOrigins: []string{"https://app.example.com/"}})

	tests := []struct {
		name       string
		origin     string
		wantStatus int
	}{
		{name: "no origin", wantStatus: http.StatusOK},
		{name: "allowed", origin: "https://app.example.com", wantStatus: http.StatusOK},
		{name: "allowed with different case", origin: "https://APP.example.com", wantStatus: http.StatusOK},
		{name: "localhost", origin: "http://localhost:6274", wantStatus: http.StatusOK},
		{name: "loopback ip", origin: "http://127.0.0.1:3000", wantStatus: http.StatusOK},
		{name: "other site", origin: "https://evil.example.com", wantStatus: http.StatusForbidden},
		{name: "lookalike", origin: "https://app.example.com.evil.example", wantStatus: http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var rec *httptest.ResponseRecorder
			if tc.origin == "" {
				rec = tt.post("int-7", "", initializeBody)
			} else {
				rec = tt.post("int-7", "", initializeBody, "Origin", tc.origin)
			}
			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusForbidden {
				assert.Empty(t, rec.Header().Get(SessionIDHeader))
			}
		})
	}
}

func TestTransport_Preflight(t *testing.T) {
	tt := newTestTransport(t, Config{})

	req := httptest.NewRequest(http.MethodOptions, DefaultPath, nil)
	req.Header.Set("Origin", "http://localhost:6274")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	tt.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	h := rec.Header()
	assert.Equal(t, "http://localhost:6274", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID", h.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, SessionIDHeader, h.Get("Access-Control-Expose-Headers"))
}

func TestTransport_SessionInfoTool(t *testing.T) {
	tt := newTestTransport(t, Config{})
	created := tt.clock.Now()
	sessionID := tt.initialize("int-7")

	tt.clock.Advance(10 * time.Second)
	rec := tt.post("int-7", sessionID, callTool(ToolSessionInfo))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var info sessionInfoResult
	require.NoError(t, json.Unmarshal([]byte(toolText(t, rec)), &info))
	assert.Equal(t, sessionID, info.SessionID)
	assert.True(t, info.CreatedAt.Equal(created))
	assert.True(t, info.LastActivityAt.Equal(created.Add(10*time.Second)))
}

func TestTransport_Status(t *testing.T) {
	tt := newTestTransport(t, Config{Version: "1.2.3"})
	tt.initialize("int-7")

	req := httptest.NewRequest(http.MethodGet, StatusPath, nil)
	rec := httptest.NewRecorder()
	tt.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, Status{Status: "online", Transport: "streamable-http", ActiveSessions: 1, Version: "1.2.3"}, status)
}

func TestTransport_Unauthenticated(t *testing.T) {
	tt := newTestTransport(t, Config{})
	sessionID := tt.initialize("int-7")
	before, err := tt.store.GetConnectionSession(context.Background(), sessionID)
	require.NoError(t, err)

	tt.clock.Advance(time.Minute)
	rec := tt.post("", sessionID, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	after, err := tt.store.GetConnectionSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.Equal(before.LastActivityAt))
}

// readEvent reads one SSE event and returns its name and data.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestTransport_EventStream(t *testing.T) {
	tt := newTestTransport(t, Config{HeartbeatInterval: 20 * time.Millisecond})
	srv := httptest.NewServer(tt.mux)
	t.Cleanup(srv.Close)

	sessionID := tt.initialize("int-7")

	req, err := http.NewRequest(http.MethodGet, srv.URL+DefaultPath, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer int-7")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(SessionIDHeader, sessionID)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	assert.Equal(t, eventConnected, event)
	assert.JSONEq(t, `{"type":"connected","session":"`+sessionID+`"}`, data)

	event, _ = readEvent(t, reader)
	assert.Equal(t, eventHeartbeat, event)

	assert.Equal(t, http.StatusNoContent, tt.delete("int-7", sessionID).Code)

	// The stream ends once the session is terminated.
	for {
		if _, err := reader.ReadString('\n'); err != nil {
			break
		}
	}
}

func TestTransport_EventStreamRequiresSession(t *testing.T) {
	tt := newTestTransport(t, Config{})

	tests := []struct {
		name       string
		accept     string
		sessionID  string
		wantStatus int
	}{
		{name: "wrong accept", accept: "application/json", sessionID: "x", wantStatus: http.StatusNotAcceptable},
		{name: "no session", accept: "text/event-stream", wantStatus: http.StatusNotFound},
		{name: "unknown session", accept: "text/event-stream", sessionID: "nope", wantStatus: http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, DefaultPath, nil)
			req.Header.Set("Authorization", "Bearer int-7")
			req.Header.Set("Accept", tc.accept)
			if tc.sessionID != "" {
				req.Header.Set(SessionIDHeader, tc.sessionID)
			}
			rec := httptest.NewRecorder()
			tt.mux.ServeHTTP(rec, req)
			assert.Equal(t, tc.wantStatus, rec.Code)
		})
	}
}

func TestSplitMessages(t *testing.T) {
	msgs, batch, err := splitMessages([]byte(` {"jsonrpc":"2.0","method":"ping","id":1} `))
	require.NoError(t, err)
	assert.False(t, batch)
	assert.Len(t, msgs, 1)

	msgs, batch, err = splitMessages([]byte(`[{"id":1},{"id":2}]`))
	require.NoError(t, err)
	assert.True(t, batch)
	assert.Len(t, msgs, 2)
}

func TestNormalizeOrigin(t *testing.T) {
	tests := map[string]string{
		"https://App.Example.com/": "https://app.example.com",
		" http://localhost:3000 ":  "http://localhost:3000",
		"":                         "",
	}
	for in, want := range tests {
		if got := normalizeOrigin(in); got != want {
			t.Errorf("normalizeOrigin(%q) = %q, want %q", in, got, want)
		}
	}
}
