// Package sqlite resolves internal principals from a SQLite table owned by
// the resource server's business layer.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/giantswarm/mcp-oauth-bridge/identity"
)

// DefaultQuery looks up the internal id for one external id.
const DefaultQuery = "SELECT internal_id FROM principals WHERE external_id = ?"

// schema is the table layout DefaultQuery expects. external_id is
// deliberately not unique; duplicates surface as ErrAmbiguousPrincipal.
const schema = `CREATE TABLE IF NOT EXISTS principals (
	external_id TEXT NOT NULL,
	internal_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS principals_external_id ON principals (external_id);`

// Resolver implements identity.Resolver over database/sql.
type Resolver struct {
	db    *sql.DB
	query string
	owned bool
}

var _ identity.Resolver = (*Resolver)(nil)

// Config selects the database and lookup query.
type Config struct {
	// Path is the SQLite database file (required)
	Path string

	// Query takes the external id as its only parameter and returns the
	// internal id in the first column. Default: DefaultQuery.
	Query string

	// CreateSchema creates the default principals table when missing.
	CreateSchema bool
}

// Open opens the SQLite file at cfg.Path.
func Open(cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(cfg.Path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if cfg.CreateSchema {
		if _, err := db.Exec(schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create principals schema: %w", err)
		}
	}

	r := New(db, cfg.Query)
	r.owned = true
	return r, nil
}

// New wraps an existing handle. The caller keeps ownership of db.
func New(db *sql.DB, query string) *Resolver {
	if query == "" {
		query = DefaultQuery
	}
	return &Resolver{db: db, query: query}
}

// Close closes the database if Open created it.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil || !r.owned {
		return nil
	}
	return r.db.Close()
}

// Resolve implements identity.Resolver.
func (r *Resolver) Resolve(ctx context.Context, externalID string) (string, error) {
	if externalID == "" {
		return "", identity.ErrPrincipalNotFound
	}

	rows, err := r.db.QueryContext(ctx, r.query, externalID)
	if err != nil {
		return "", fmt.Errorf("query principal: %w", err)
	}
	defer rows.Close()

	var found string
	for rows.Next() {
		var internalID string
		if err := rows.Scan(&internalID); err != nil {
			return "", fmt.Errorf("scan principal: %w", err)
		}
		switch {
		case found == "":
			found = internalID
		case found != internalID:
			return "", identity.ErrAmbiguousPrincipal
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate principals: %w", err)
	}
	if found == "" {
		return "", identity.ErrPrincipalNotFound
	}
	return found, nil
}
