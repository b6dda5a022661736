package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/token"
)

func TestRequireBearer(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	valid, _, err := env.handler.Server().Issuer().Issue(token.Grant{
		InternalID: "int-7",
		ExternalID: "ext-42",
		ClientID:   "mcp-client",
		Scope:      "read",
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other, err := token.NewIssuer(token.Config{Secret: []byte(strings.Repeat("x", 40)), Issuer: testIssuer})
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	other.SetClock(env.clock.Now)
	forged, _, err := other.Issue(token.Grant{InternalID: "int-7", ClientID: "mcp-client"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid", header: "Bearer " + valid, wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + valid, wantStatus: http.StatusOK},
		{name: "missing", header: "", wantStatus: http.StatusUnauthorized},
		{name: "basic", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "other secret", header: "Bearer " + forged, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.calls()

			req := httptest.NewRequest(http.MethodPost, server.MCPPath, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := env.do(req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if env.calls() != before+1 {
					t.Fatal("next handler not called")
				}
				env.mu.Lock()
				claims := env.mcpCalls[len(env.mcpCalls)-1]
				env.mu.Unlock()
				if claims == nil || claims.InternalID() != "int-7" {
					t.Errorf("claims = %+v, want subject int-7", claims)
				}
				return
			}

			if env.calls() != before {
				t.Error("next handler called for a rejected request")
			}
			challenge := rec.Header().Get("WWW-Authenticate")
			if !strings.HasPrefix(challenge, "Bearer ") ||
				!strings.Contains(challenge, `resource_metadata="`+testIssuer+server.ProtectedResourceMetaURI+`"`) {
				t.Errorf("WWW-Authenticate = %q", challenge)
			}
			if got := decodeError(t, rec).Error; got != ErrorCodeInvalidToken {
				t.Errorf("error = %q, want invalid_token", got)
			}
		})
	}
}

func TestRequireBearer_Expired(t *testing.T) {
	env := newTestEnv(t, noRateLimit())

	raw, _, err := env.handler.Server().Issuer().Issue(token.Grant{InternalID: "int-7", ClientID: "mcp-client"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	env.clock.Advance(token.DefaultTTL + token.DefaultLeeway + time.Second)

	req := httptest.NewRequest(http.MethodGet, server.MCPPath, nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec := env.do(req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if !strings.Contains(decodeError(t, rec).ErrorDescription, "expired") {
		t.Errorf("description = %q", decodeError(t, rec).ErrorDescription)
	}
	if env.calls() != 0 {
		t.Error("expired token reached the protected handler")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"BEARER abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer", "", false},
		{"Token abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, ok := extractBearerToken(req)
		if got != tt.want || ok != tt.ok {
			t.Errorf("extractBearerToken(%q) = %q, %v; want %q, %v", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}
