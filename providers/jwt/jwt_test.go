package jwt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{
		LoginURL:    "https://auth.example.com/login?app=bridge",
		CallbackURL: "https://bridge.example.com/oauth/callback",
		Secret:      testSecret,
		Audience:    "authenticated",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func sign(t *testing.T, method jwtlib.SigningMethod, key any, claims jwtlib.MapClaims) string {
	t.Helper()
	raw, err := jwtlib.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return raw
}

func validClaims() jwtlib.MapClaims {
	return jwtlib.MapClaims{
		"sub":           "ext-user-1",
		"aud":           "authenticated",
		"email":         "user@example.com",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"user_metadata": map[string]any{"full_name": "Ext User"},
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "relative login URL", cfg: Config{LoginURL: "/login", CallbackURL: "https://b/cb", Secret: testSecret}},
		{name: "relative callback", cfg: Config{LoginURL: "https://a/login", CallbackURL: "/cb", Secret: testSecret}},
		{name: "short secret", cfg: Config{LoginURL: "https://a/login", CallbackURL: "https://b/cb", Secret: []byte("short")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() expected error")
			}
		})
	}
}

func TestProvider_AuthenticationURL(t *testing.T) {
	p := newTestProvider(t)

	raw, err := p.AuthenticationURL("bridge-abc")
	if err != nil {
		t.Fatalf("AuthenticationURL() error = %v", err)
	}
	u, _ := url.Parse(raw)
	if u.Host != "auth.example.com" || u.Query().Get("app") != "bridge" {
		t.Errorf("AuthenticationURL() = %q, lost login URL parts", raw)
	}

	redirect, err := url.Parse(u.Query().Get(RedirectParam))
	if err != nil {
		t.Fatalf("redirect_to is not a URL: %v", err)
	}
	if redirect.Path != "/oauth/callback" {
		t.Errorf("redirect_to path = %q", redirect.Path)
	}
	if got := redirect.Query().Get(providers.BridgeSessionParam); got != "bridge-abc" {
		t.Errorf("redirect_to bridge session = %q, want bridge-abc", got)
	}
}

func TestProvider_Verify(t *testing.T) {
	p := newTestProvider(t)

	ident, err := p.Verify(context.Background(), "b", providers.Evidence{
		AccessToken: sign(t, jwtlib.SigningMethodHS256, testSecret, validClaims()),
	})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if ident.Subject != "ext-user-1" || ident.Email != "user@example.com" || ident.Name != "Ext User" {
		t.Errorf("Verify() = %+v", ident)
	}
}

func TestProvider_VerifyRejects(t *testing.T) {
	p := newTestProvider(t)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongAud := validClaims()
	wrongAud["aud"] = "anon"

	noSub := validClaims()
	delete(noSub, "sub")

	noExp := validClaims()
	delete(noExp, "exp")

	tests := []struct {
		name     string
		evidence providers.Evidence
		wantErr  error
	}{
		{name: "empty", evidence: providers.Evidence{}, wantErr: providers.ErrNoEvidence},
		{name: "id token only", evidence: providers.Evidence{IDToken: "x"}, wantErr: providers.ErrNoEvidence},
		{name: "idp error", evidence: providers.Evidence{Error: "access_denied"}, wantErr: providers.ErrProviderDenied},
		{name: "garbage", evidence: providers.Evidence{AccessToken: "not-a-jwt"}, wantErr: providers.ErrInvalidEvidence},
		{name: "wrong secret", evidence: providers.Evidence{AccessToken: sign(t, jwtlib.SigningMethodHS256, []byte("another-secret-another-secret-xx"), validClaims())}, wantErr: providers.ErrInvalidEvidence},
		{name: "wrong algorithm", evidence: providers.Evidence{AccessToken: sign(t, jwtlib.SigningMethodHS512, testSecret, validClaims())}, wantErr: providers.ErrInvalidEvidence},
		{name: "expired", evidence: providers.Evidence{AccessToken: sign(t, jwtlib.SigningMethodHS256, testSecret, expired)}, wantErr: providers.ErrInvalidEvidence},
		{name: "wrong audience", evidence: providers.Evidence{AccessToken: sign(t, jwtlib.SigningMethodHS256, testSecret, wrongAud)}, wantErr: providers.ErrInvalidEvidence},
		{name: "missing subject", evidence: providers.Evidence{AccessToken: sign(t, jwtlib.SigningMethodHS256, testSecret, noSub)}, wantErr: providers.ErrInvalidEvidence},
		{name: "missing expiry", evidence: providers.Evidence{AccessToken: sign(t, jwtlib.SigningMethodHS256, testSecret, noExp)}, wantErr: providers.ErrInvalidEvidence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Verify(context.Background(), "b", tt.evidence)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Verify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestProvider_HealthCheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	p, err := New(Config{
		LoginURL:    srv.URL + "/login",
		CallbackURL: "https://bridge.example.com/oauth/callback",
		Secret:      testSecret,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	status = http.StatusBadGateway
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() expected error on 502")
	}
}
