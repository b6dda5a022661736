package security

import (
	"container/list"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter defaults.
const (
	DefaultRateLimitMaxEntries = 10000
	DefaultRateLimitIdle       = 30 * time.Minute
	DefaultRateLimitCleanup    = 5 * time.Minute
)

// RateLimitConfig configures a RateLimiter.
type RateLimitConfig struct {
	// Rate is the sustained number of requests per second per key
	Rate float64

	// Burst is the bucket size
	Burst int

	// MaxEntries bounds tracked keys; the least recently used key is evicted
	// when full (default DefaultRateLimitMaxEntries)
	MaxEntries int

	// IdleTimeout drops keys not seen for this long (default DefaultRateLimitIdle)
	IdleTimeout time.Duration

	// CleanupInterval is how often idle keys are swept (default DefaultRateLimitCleanup)
	CleanupInterval time.Duration
}

type bucket struct {
	key      string
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a token bucket per key (normally a client IP).
type RateLimiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*list.Element
	order   *list.List // front is most recently used

	evictions int64
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewRateLimiter starts a limiter and its cleanup goroutine. Call Stop when
// done.
func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdle
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitCleanup
	}

	rl := &RateLimiter{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string]*list.Element),
		order:   list.New(),
		stop:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow takes one token for key. When the bucket is empty it returns false
// and how long until a token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.now()

	rl.mu.Lock()
	b := rl.bucketLocked(key, now)
	res := b.limiter.ReserveN(now, 1)
	rl.mu.Unlock()

	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) bucketLocked(key string, now time.Time) *bucket {
	if el, ok := rl.buckets[key]; ok {
		rl.order.MoveToFront(el)
		b := el.Value.(*bucket)
		b.lastSeen = now
		return b
	}

	if len(rl.buckets) >= rl.cfg.MaxEntries {
		if oldest := rl.order.Back(); oldest != nil {
			delete(rl.buckets, oldest.Value.(*bucket).key)
			rl.order.Remove(oldest)
			rl.evictions++
		}
	}

	b := &bucket{
		key:      key,
		limiter:  rate.NewLimiter(rate.Limit(rl.cfg.Rate), rl.cfg.Burst),
		lastSeen: now,
	}
	rl.buckets[key] = rl.order.PushFront(b)
	return b
}

// Cleanup drops keys idle longer than the configured timeout.
func (rl *RateLimiter) Cleanup() int {
	cutoff := rl.now().Add(-rl.cfg.IdleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for el := rl.order.Back(); el != nil; {
		b := el.Value.(*bucket)
		if b.lastSeen.After(cutoff) {
			break
		}
		prev := el.Prev()
		delete(rl.buckets, b.key)
		rl.order.Remove(el)
		removed++
		el = prev
	}

	if removed > 0 {
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.buckets))
	}
	return removed
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Evictions returns how many keys were evicted for capacity.
func (rl *RateLimiter) Evictions() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.evictions
}

// RetryAfterSeconds rounds d up to whole seconds for a Retry-After header.
func RetryAfterSeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 1)
}
