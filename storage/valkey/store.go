package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "mcp-bridge:"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxValueSize bounds a single serialized record (64KB)
	MaxValueSize = 64 * 1024
)

var errValueTooLarge = fmt.Errorf("value exceeds maximum allowed size")

// luaCompareAndSwap replaces KEYS[1] only when it currently holds ARGV[1].
//
// ARGV[2] is "del" to delete on match, otherwise "set".
// ARGV[3] is the replacement value.
// ARGV[4] is the new TTL in milliseconds; 0 keeps the current TTL.
//
// Returns 1 when the swap happened and 0 otherwise.
const luaCompareAndSwap = `
local current = redis.call('GET', KEYS[1])
if not current or current ~= ARGV[1] then
  return 0
end
if ARGV[2] == 'del' then
  redis.call('DEL', KEYS[1])
  return 1
end
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[3], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[3], 'KEEPTTL')
end
return 1
`

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "mcp-bridge:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.KV.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New connects to Valkey and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

// isNilError reports whether err is Valkey's nil reply (missing key).
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// wholeSeconds rounds a positive ttl up to whole seconds for EX.
func wholeSeconds(ttl time.Duration) time.Duration {
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	return ttl
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return []byte(data), nil
}

// Put implements storage.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if len(value) > MaxValueSize {
		return errValueTooLarge
	}
	if ttl < 0 {
		return fmt.Errorf("negative ttl for key")
	}

	k := s.key(key)
	var err error
	if ttl == 0 {
		err = s.client.Do(ctx, s.client.B().Set().Key(k).Value(string(value)).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Set().Key(k).Value(string(value)).Ex(wholeSeconds(ttl)).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// Delete implements storage.KV.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// CompareAndSwap implements storage.KV with a Lua script so the comparison
// and the write are atomic across all clients of the Valkey instance.
func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	if len(next) > MaxValueSize {
		return false, errValueTooLarge
	}

	mode := "set"
	if next == nil {
		mode = "del"
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCompareAndSwap).
			Numkeys(1).
			Key(s.key(key)).
			Arg(string(prev), mode, string(next), strconv.FormatInt(ttl.Milliseconds(), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute compare-and-swap: %w", err)
	}

	return result == 1, nil
}
