package memory

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
)

const (
	// backendName labels spans and metrics emitted by this store
	backendName = "memory"

	// DefaultCleanupInterval is how often expired entries are swept
	DefaultCleanupInterval = time.Minute

	// DefaultMaxEntries bounds the store when no explicit limit is set
	DefaultMaxEntries = 100000
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is an in-memory storage.KV.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	maxEntries      int
	cleanupInterval time.Duration
	now             func() time.Time

	entriesCount atomic.Int64

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	stopCleanup chan struct{}
	stopOnce    sync.Once
	logger      *slog.Logger
}

var _ storage.KV = (*Store)(nil)

// New creates a store with the default cleanup interval and entry bound.
func New() *Store {
	return NewWithConfig(Config{})
}

// Config tunes the in-memory store.
type Config struct {
	// CleanupInterval is how often expired entries are swept (default 1 minute)
	CleanupInterval time.Duration

	// MaxEntries bounds the number of live entries (default 100000).
	// Put of a new key beyond the bound fails with storage.ErrStoreFull.
	MaxEntries int

	// Logger is the structured logger (default slog.Default())
	Logger *slog.Logger
}

// NewWithConfig creates a store from cfg and starts its cleanup goroutine.
func NewWithConfig(cfg Config) *Store {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		entries:         make(map[string]entry),
		maxEntries:      cfg.MaxEntries,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		logger:          cfg.Logger,
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetInstrumentation enables spans, operation metrics and the entries gauge.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.entriesCount.Store(int64(len(s.entries)))
	s.mu.Unlock()

	if inst != nil {
		if err := inst.RegisterStorageEntriesCallback(backendName, s.entriesCount.Load); err != nil {
			s.logger.Warn("Failed to register storage entries callback", "error", err)
		}
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// Len returns the number of entries currently held, including ones that have
// expired but not yet been swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Get implements storage.KV.
func (s *Store) Get(ctx context.Context, key string) (value []byte, err error) {
	ctx, span := s.startStorageSpan(ctx, "get")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get", err, startTime) }()

	s.mu.RLock()
	e, ok := s.entries[key]
	now := s.now()
	s.mu.RUnlock()

	if !ok || e.expired(now) {
		return nil, storage.ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

// Put implements storage.KV.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "put")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "put", err, startTime) }()

	if ttl < 0 {
		return fmt.Errorf("negative ttl for key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, exists := s.entries[key]
	if !exists || existing.expired(now) {
		if len(s.entries) >= s.maxEntries {
			s.sweepLocked(now)
		}
		if len(s.entries) >= s.maxEntries {
			s.logger.Warn("Memory store is full, rejecting write",
				"max_entries", s.maxEntries)
			return storage.ErrStoreFull
		}
	}

	s.setLocked(key, value, expiryFor(now, ttl))
	return nil
}

// Delete implements storage.KV.
func (s *Store) Delete(ctx context.Context, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "delete", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

// CompareAndSwap implements storage.KV. The comparison and the write happen
// under one write lock.
func (s *Store) CompareAndSwap(ctx context.Context, key string, prev, next []byte, ttl time.Duration) (swapped bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "compare_and_swap")
	defer span.End()
	startTime := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "compare_and_swap", err, startTime) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) || !bytes.Equal(e.value, prev) {
		return false, nil
	}

	if next == nil {
		s.deleteLocked(key)
		return true, nil
	}

	expiresAt := e.expiresAt
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}
	s.setLocked(key, next, expiresAt)
	return true, nil
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *Store) setLocked(key string, value []byte, expiresAt time.Time) {
	if _, exists := s.entries[key]; !exists {
		s.entriesCount.Add(1)
	}
	s.entries[key] = entry{value: bytes.Clone(value), expiresAt: expiresAt}
}

func (s *Store) deleteLocked(key string) {
	if _, exists := s.entries[key]; exists {
		delete(s.entries, key)
		s.entriesCount.Add(-1)
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cleaned := s.sweepLocked(s.now()); cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries",
			"count", cleaned,
			"remaining", len(s.entries))
	}
}

func (s *Store) sweepLocked(now time.Time) int {
	cleaned := 0
	for key, e := range s.entries {
		if e.expired(now) {
			s.deleteLocked(key)
			cleaned++
		}
	}
	return cleaned
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, tracenoop.Span{}
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, backendName)
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, time.Since(startTime))
}
