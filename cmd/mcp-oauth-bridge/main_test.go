package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
	"github.com/giantswarm/mcp-oauth-bridge/providers"
)

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := out.String(); got != "mcp-oauth-bridge version dev\n" {
		t.Errorf("output = %q", got)
	}
}

func TestServeCmd_InvalidConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve"})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("Execute() error = %v, want invalid configuration", err)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("json logger output = %q", buf.String())
	}

	buf.Reset()
	logger = newLogger(config.LogConfig{Level: "debug", Format: "text"}, &buf)
	logger.Debug("detail")
	if !strings.Contains(buf.String(), "msg=detail") {
		t.Errorf("text logger output = %q", buf.String())
	}
}

func TestNewDevProvider(t *testing.T) {
	p := newDevProvider("https://bridge.example.com/oauth/callback", "dev-user")

	loginURL, err := p.AuthenticationURL("session-1")
	if err != nil {
		t.Fatalf("AuthenticationURL() error = %v", err)
	}
	u, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Query().Get(providers.BridgeSessionParam) != "session-1" {
		t.Errorf("login URL %q does not carry the bridge session", loginURL)
	}
	frag, err := url.ParseQuery(u.Fragment)
	if err != nil {
		t.Fatalf("ParseQuery() error = %v", err)
	}

	identity, err := p.Verify(context.Background(), "session-1", providers.EvidenceFromValues(frag))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if identity.Subject != "dev-user" {
		t.Errorf("Subject = %q", identity.Subject)
	}

	if _, err := p.Verify(context.Background(), "session-1", providers.Evidence{AccessToken: "guess"}); err == nil {
		t.Error("Verify() accepted a foreign token")
	}
}

func TestNewResolver(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	resolver, closeFn, err := newResolver(config.IdentityConfig{
		Backend:  config.IdentityStatic,
		Static:   map[string]string{"ext-1": "int-1"},
		CacheTTL: time.Minute,
	}, logger)
	if err != nil {
		t.Fatalf("newResolver() error = %v", err)
	}
	defer closeFn()

	got, err := resolver.Resolve(context.Background(), "ext-1")
	if err != nil || got != "int-1" {
		t.Errorf("Resolve() = %q, %v", got, err)
	}
}

func TestNewResolver_SQLite(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	resolver, closeFn, err := newResolver(config.IdentityConfig{
		Backend: config.IdentitySQLite,
		SQLite: config.SQLiteConfig{
			Path:         t.TempDir() + "/principals.db",
			CreateSchema: true,
		},
	}, logger)
	if err != nil {
		t.Fatalf("newResolver() error = %v", err)
	}
	defer closeFn()

	if _, err := resolver.Resolve(context.Background(), "nobody"); err == nil {
		t.Error("Resolve() of an unknown subject should fail")
	}
}
