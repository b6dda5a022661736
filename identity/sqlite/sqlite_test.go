package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/giantswarm/mcp-oauth-bridge/identity"
)

func openTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := Open(Config{
		Path:         filepath.Join(t.TempDir(), "principals.db"),
		CreateSchema: true,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	for _, row := range [][2]string{
		{"ext-42", "int-7"},
		{"ext-dup", "int-1"},
		{"ext-dup", "int-2"},
		{"ext-same", "int-3"},
		{"ext-same", "int-3"},
	} {
		if _, err := r.db.Exec("INSERT INTO principals (external_id, internal_id) VALUES (?, ?)", row[0], row[1]); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return r
}

func TestResolver_Resolve(t *testing.T) {
	r := openTestResolver(t)

	tests := []struct {
		name       string
		externalID string
		want       string
		wantErr    error
	}{
		{name: "mapped", externalID: "ext-42", want: "int-7"},
		{name: "unknown", externalID: "ext-unknown", wantErr: identity.ErrPrincipalNotFound},
		{name: "empty", externalID: "", wantErr: identity.ErrPrincipalNotFound},
		{name: "conflicting rows", externalID: "ext-dup", wantErr: identity.ErrAmbiguousPrincipal},
		{name: "duplicate identical rows", externalID: "ext-same", want: "int-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.externalID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Resolve() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_Deterministic(t *testing.T) {
	r := openTestResolver(t)
	for i := 0; i < 5; i++ {
		got, err := r.Resolve(context.Background(), "ext-42")
		if err != nil || got != "int-7" {
			t.Fatalf("Resolve() call %d = %q, %v", i, got, err)
		}
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("Open() without path should fail")
	}
}

func TestResolver_CustomQuery(t *testing.T) {
	base := openTestResolver(t)
	r := New(base.db, "SELECT internal_id FROM principals WHERE external_id = ? ORDER BY internal_id LIMIT 1")

	got, err := r.Resolve(context.Background(), "ext-dup")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "int-1" {
		t.Errorf("Resolve() = %q, want int-1", got)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() on borrowed handle error = %v", err)
	}
}
