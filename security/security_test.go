package security

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			NewAuditor(logger, tt.enabled).LogTokenIssued("user-7", "mcp-abc", "10.0.0.1", "read")

			out := buf.String()
			if got := strings.Contains(out, "security_audit"); got != tt.wantLog {
				t.Fatalf("logged = %v, want %v: %s", got, tt.wantLog, out)
			}
			if !tt.wantLog {
				return
			}
			if strings.Contains(out, "user-7") {
				t.Error("principal id logged in clear text")
			}
			if !strings.Contains(out, HashForLogging("user-7")) {
				t.Error("principal hash missing")
			}
			if !strings.Contains(out, "event_type="+EventTokenIssued) {
				t.Errorf("event type missing: %s", out)
			}
		})
	}
}

func TestAuditor_Nil(t *testing.T) {
	var a *Auditor
	a.LogRateLimitExceeded("1.2.3.4", "/oauth/token")
}

func TestAuditor_IdentityVerifiedHashesExternalID(t *testing.T) {
	var buf bytes.Buffer
	a := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)
	a.LogIdentityVerified("ext-secret-subject", "user-1", "mcp-abc", "oidc")
	if strings.Contains(buf.String(), "ext-secret-subject") {
		t.Error("external id logged in clear text")
	}
}

func TestHashForLogging(t *testing.T) {
	if got := HashForLogging(""); got != "<empty>" {
		t.Errorf("HashForLogging(\"\") = %q", got)
	}
	h := HashForLogging("x")
	if len(h) != 16 || h != HashForLogging("x") || h == HashForLogging("y") {
		t.Errorf("HashForLogging() = %q, not a stable 16 char hash", h)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 1, Burst: 2}, nil)
	defer rl.Stop()

	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := range 2 {
		if ok, _ := rl.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	ok, retry := rl.Allow("1.2.3.4")
	if ok {
		t.Fatal("request beyond burst allowed")
	}
	if retry <= 0 || retry > time.Second {
		t.Errorf("retry = %v, want (0, 1s]", retry)
	}

	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Error("other key should have its own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Error("token should refill after a second")
	}
}

func TestRateLimiter_MaxEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 10, Burst: 10, MaxEntries: 3}, nil)
	defer rl.Stop()

	for _, k := range []string{"a", "b", "c", "d"} {
		rl.Allow(k)
	}
	if rl.Len() != 3 {
		t.Errorf("Len() = %d, want 3", rl.Len())
	}
	if rl.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", rl.Evictions())
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 10, Burst: 10, IdleTimeout: time.Minute}, nil)
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("old")
	now = now.Add(2 * time.Minute)
	rl.Allow("new")

	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if rl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", rl.Len())
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Rate: 0.001, Burst: 5}, nil)
	defer rl.Stop()

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Allow("k"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Errorf("allowed = %d, want 5", allowed)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := map[time.Duration]int{
		0:                      1,
		200 * time.Millisecond: 1,
		time.Second:            1,
		1500 * time.Millisecond: 2,
	}
	for d, want := range tests {
		if got := RetryAfterSeconds(d); got != want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", d, got, want)
		}
	}
}

func TestClientIPResolver(t *testing.T) {
	tests := []struct {
		name     string
		resolver ClientIPResolver
		remote   string
		xff      string
		realIP   string
		want     string
	}{
		{name: "direct", remote: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "untrusted xff ignored", remote: "192.0.2.1:1234", xff: "203.0.113.9", want: "192.0.2.1"},
		{name: "one trusted proxy", resolver: ClientIPResolver{TrustProxy: true}, remote: "10.0.0.1:1", xff: "203.0.113.9, 10.0.0.2", want: "203.0.113.9"},
		{name: "two trusted proxies", resolver: ClientIPResolver{TrustProxy: true, TrustedProxyCount: 2}, remote: "10.0.0.1:1", xff: "198.51.100.1, 203.0.113.9, 10.0.0.2", want: "198.51.100.1"},
		{name: "short list", resolver: ClientIPResolver{TrustProxy: true, TrustedProxyCount: 3}, remote: "10.0.0.1:1", xff: "203.0.113.9", want: "203.0.113.9"},
		{name: "invalid xff falls back to real ip", resolver: ClientIPResolver{TrustProxy: true}, remote: "10.0.0.1:1", xff: "junk, 10.0.0.2", realIP: "203.0.113.7", want: "203.0.113.7"},
		{name: "remote without port", remote: "192.0.2.5", want: "192.0.2.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := tt.resolver.ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name     string
		upstream string
		keep     bool
	}{
		{name: "none", upstream: ""},
		{name: "valid upstream", upstream: "abc-123_X", keep: true},
		{name: "injection attempt", upstream: "abc\r\nSet-Cookie: x"},
		{name: "too long", upstream: strings.Repeat("a", 129)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.upstream != "" {
				r.Header.Set(RequestIDHeader, tt.upstream)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)

			got := rec.Header().Get(RequestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("response id %q, context id %q", got, seen)
			}
			if tt.keep && got != tt.upstream {
				t.Errorf("upstream id not preserved: %q", got)
			}
			if !tt.keep && got == tt.upstream {
				t.Errorf("invalid upstream id kept: %q", got)
			}
		})
	}
}

func TestLoggerFor(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	LoggerFor(WithRequestID(context.Background(), "rid-1"), base).Info("hello")
	if !strings.Contains(buf.String(), "request_id=rid-1") {
		t.Errorf("request id missing: %s", buf.String())
	}
	if LoggerFor(context.Background(), base) != base {
		t.Error("logger without request id should be returned unchanged")
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, false)
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set for plain HTTP")
	}
	for _, h := range []string{"X-Frame-Options", "X-Content-Type-Options", "Content-Security-Policy", "Cache-Control", "Referrer-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("%s missing", h)
		}
	}

	rec = httptest.NewRecorder()
	SetSecurityHeaders(rec, true)
	SetPageCSP(rec, "n0nce")
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing for HTTPS")
	}
	if !strings.Contains(rec.Header().Get("Content-Security-Policy"), "'nonce-n0nce'") {
		t.Errorf("CSP = %q", rec.Header().Get("Content-Security-Policy"))
	}
}
