// Package token issues and verifies the bridge's own access tokens.
//
// Tokens are HS256 JWTs signed with a key derived from the configured secret
// via HKDF-SHA256. Verification needs only the key: there is no store lookup,
// so any bridge replica sharing the secret accepts any other replica's tokens.
package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSecretLength is the minimum accepted secret length in bytes
	MinSecretLength = 32

	// DefaultLeeway tolerates clock skew between replicas
	DefaultLeeway = 5 * time.Second

	// DefaultTTL is the access token lifetime when none is configured
	DefaultTTL = time.Hour

	hkdfInfo = "mcp-oauth-bridge access token v1"
	keyLen   = 32
)

var (
	// ErrInvalidToken is returned for malformed, forged or mis-addressed tokens.
	ErrInvalidToken = errors.New("invalid access token")

	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("access token expired")
)

// Claims are the bridge access token claims.
type Claims struct {
	// ExternalID is the IdP subject the internal principal was resolved from
	ExternalID string `json:"ext,omitempty"`

	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`

	jwt.RegisteredClaims
}

// InternalID returns the internal principal (the sub claim).
func (c *Claims) InternalID() string {
	return c.Subject
}

// Scopes splits the space-delimited scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Grant is what an access token is minted for.
type Grant struct {
	InternalID string
	ExternalID string
	ClientID   string
	Scope      string

	// TTL overrides the issuer's token lifetime when positive
	TTL time.Duration
}

// Config configures an Issuer.
type Config struct {
	// Secret is the shared signing secret (required, MinSecretLength bytes)
	Secret []byte

	// Issuer is the iss claim, normally the bridge's public URL
	Issuer string

	// Audience is the aud claim (default Issuer)
	Audience string

	// TTL is the token lifetime (default DefaultTTL)
	TTL time.Duration
}

// Issuer mints and verifies access tokens.
type Issuer struct {
	key      []byte
	issuer   string
	audience string
	ttl      time.Duration
	parser   *jwt.Parser
	now      func() time.Time
}

// NewIssuer derives the signing key from cfg.Secret.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = cfg.Issuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	key, err := deriveKey(cfg.Secret, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	iss := &Issuer{
		key:      key,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
	iss.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(DefaultLeeway),
		jwt.WithTimeFunc(func() time.Time { return iss.now() }),
	)
	return iss, nil
}

func deriveKey(secret []byte, salt string) ([]byte, error) {
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(salt), []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}

// SetClock overrides the time source. Intended for tests.
func (i *Issuer) SetClock(now func() time.Time) {
	i.now = now
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for g. It returns the raw token and its claims.
func (i *Issuer) Issue(g Grant) (string, *Claims, error) {
	if g.InternalID == "" || g.ClientID == "" {
		return "", nil, fmt.Errorf("grant requires an internal principal and a client")
	}

	ttl := i.ttl
	if g.TTL > 0 {
		ttl = g.TTL
	}

	now := i.now()
	claims := &Claims{
		ExternalID: g.ExternalID,
		ClientID:   g.ClientID,
		Scope:      g.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   g.InternalID,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign access token: %w", err)
	}
	return raw, claims, nil
}

// Verify checks signature, expiry, issuer and audience of raw.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}

	var claims Claims
	_, err := i.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return i.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing subject or client", ErrInvalidToken)
	}
	return &claims, nil
}
