package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimitMaxEntries bounds the number of tracked identifiers
	DefaultRateLimitMaxEntries = 10000

	// DefaultRateLimitCleanupInterval is how often idle limiters are swept
	DefaultRateLimitCleanupInterval = 5 * time.Minute

	// DefaultRateLimitIdleTimeout is how long an idle limiter is kept
	DefaultRateLimitIdleTimeout = 30 * time.Minute
)

// rateLimiterEntry tracks a rate limiter and its last access time
type rateLimiterEntry struct {
	identifier string
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate per identifier
	RequestsPerSecond float64

	// Burst is the bucket size per identifier
	Burst int

	// MaxEntries bounds tracked identifiers; the least recently used is evicted
	// when full. 0 means unlimited. Default: 10000
	MaxEntries int

	// CleanupInterval is how often idle entries are swept. Default: 5m
	CleanupInterval time.Duration

	// IdleTimeout is how long an entry may go unused before it is swept. Default: 30m
	IdleTimeout time.Duration
}

// RateLimiter provides per-identifier token bucket rate limiting
// with LRU eviction to prevent unbounded memory growth.
type RateLimiter struct {
	limiters    map[string]*list.Element // identifier -> list element
	lruList     *list.List               // LRU list of *rateLimiterEntry
	mu          sync.Mutex
	cfg         RateLimiterConfig
	logger      *slog.Logger
	now         func() time.Time
	stopCleanup chan struct{}
	stopOnce    sync.Once

	// Statistics
	totalBlocked   int64
	totalEvictions int64
	totalCleanups  int64
}

// NewRateLimiter creates a rate limiter with default entry bounds
func NewRateLimiter(requestsPerSecond float64, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		Burst:             burst,
		MaxEntries:        DefaultRateLimitMaxEntries,
	}, logger)
}

// NewRateLimiterWithConfig creates a rate limiter and starts its cleanup goroutine.
// Call Stop when done.
func NewRateLimiterWithConfig(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries < 0 {
		logger.Warn("Invalid MaxEntries, using default", "max_entries", cfg.MaxEntries)
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultRateLimitCleanupInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}

	rl := &RateLimiter{
		limiters:    make(map[string]*list.Element),
		lruList:     list.New(),
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Allow reports whether a request from identifier may proceed
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if elem, exists := rl.limiters[identifier]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*rateLimiterEntry)
		entry.lastAccess = now
		return rl.record(entry.limiter.AllowN(now, 1))
	}

	if rl.cfg.MaxEntries > 0 && len(rl.limiters) >= rl.cfg.MaxEntries {
		rl.evictLRU()
	}

	entry := &rateLimiterEntry{
		identifier: identifier,
		limiter:    rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst),
		lastAccess: now,
	}
	rl.limiters[identifier] = rl.lruList.PushFront(entry)

	return rl.record(entry.limiter.AllowN(now, 1))
}

func (rl *RateLimiter) record(allowed bool) bool {
	if !allowed {
		rl.totalBlocked++
	}
	return allowed
}

// evictLRU removes the least recently used entry. Must be called with mu held.
func (rl *RateLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*rateLimiterEntry)
	delete(rl.limiters, entry.identifier)
	rl.lruList.Remove(elem)
	rl.totalEvictions++

	rl.logger.Debug("Rate limiter LRU eviction",
		"identifier", entry.identifier,
		"total_evictions", rl.totalEvictions,
		"current_entries", len(rl.limiters))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Cleanup removes limiters idle for longer than IdleTimeout.
// The LRU list is ordered by access, so the sweep stops at the first live entry.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0

	for elem := rl.lruList.Back(); elem != nil; {
		entry := elem.Value.(*rateLimiterEntry)
		if now.Sub(entry.lastAccess) <= rl.cfg.IdleTimeout {
			break
		}
		prev := elem.Prev()
		delete(rl.limiters, entry.identifier)
		rl.lruList.Remove(elem)
		removed++
		elem = prev
	}

	if removed > 0 {
		rl.totalCleanups++
		rl.logger.Debug("Rate limiter cleanup completed",
			"removed", removed,
			"remaining", len(rl.limiters))
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int     // Current number of tracked identifiers
	MaxEntries     int     // Maximum allowed entries (0 = unlimited)
	TotalBlocked   int64   // Requests rejected
	TotalEvictions int64   // LRU evictions
	TotalCleanups  int64   // Cleanup passes that removed something
	MemoryPressure float64 // Percentage of max capacity used (0-100)
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stats := Stats{
		CurrentEntries: len(rl.limiters),
		MaxEntries:     rl.cfg.MaxEntries,
		TotalBlocked:   rl.totalBlocked,
		TotalEvictions: rl.totalEvictions,
		TotalCleanups:  rl.totalCleanups,
	}
	if rl.cfg.MaxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.cfg.MaxEntries) * 100.0
	}
	return stats
}
