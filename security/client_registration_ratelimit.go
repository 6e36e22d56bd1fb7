package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxRegistrationsPerHour is the default limit for client registrations per IP per hour
	DefaultMaxRegistrationsPerHour = 10

	// DefaultRegistrationWindow is the default sliding window for registration limiting
	DefaultRegistrationWindow = time.Hour

	// DefaultMaxRegistrationEntries is the maximum number of IPs to track
	DefaultMaxRegistrationEntries = 10000
)

// registrationEntry tracks registration timestamps for an IP address
type registrationEntry struct {
	ip            string
	registrations []time.Time
	lastAccess    time.Time
}

// ClientRegistrationRateLimiter limits client registrations per IP over a
// sliding window. Unlike RateLimiter it counts events rather than refilling a
// bucket, so register/deregister churn cannot outrun the limit.
type ClientRegistrationRateLimiter struct {
	entries      map[string]*list.Element // IP -> list element
	lruList      *list.List               // LRU list of *registrationEntry
	mu           sync.Mutex
	maxPerWindow int
	window       time.Duration
	maxEntries   int
	logger       *slog.Logger
	now          func() time.Time

	totalBlocked int64
	totalAllowed int64
}

// NewClientRegistrationRateLimiter creates a limiter with default settings
func NewClientRegistrationRateLimiter(logger *slog.Logger) *ClientRegistrationRateLimiter {
	return NewClientRegistrationRateLimiterWithConfig(
		DefaultMaxRegistrationsPerHour,
		DefaultRegistrationWindow,
		DefaultMaxRegistrationEntries,
		logger,
	)
}

// NewClientRegistrationRateLimiterWithConfig creates a limiter with custom settings.
// Non-positive values fall back to the defaults.
func NewClientRegistrationRateLimiterWithConfig(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *ClientRegistrationRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerHour
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxRegistrationEntries
	}

	return &ClientRegistrationRateLimiter{
		entries:      make(map[string]*list.Element),
		lruList:      list.New(),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxEntries:   maxEntries,
		logger:       logger,
		now:          time.Now,
	}
}

// Allow records a registration attempt from ip and reports whether it is within the limit.
// Expired timestamps are pruned lazily on access, so no background goroutine is needed.
func (rl *ClientRegistrationRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	elem, exists := rl.entries[ip]
	if !exists {
		if len(rl.entries) >= rl.maxEntries {
			if back := rl.lruList.Back(); back != nil {
				delete(rl.entries, back.Value.(*registrationEntry).ip)
				rl.lruList.Remove(back)
			}
		}
		elem = rl.lruList.PushFront(&registrationEntry{ip: ip})
		rl.entries[ip] = elem
	}
	rl.lruList.MoveToFront(elem)

	entry := elem.Value.(*registrationEntry)
	entry.lastAccess = now

	n := 0
	for _, t := range entry.registrations {
		if t.After(windowStart) {
			entry.registrations[n] = t
			n++
		}
	}
	entry.registrations = entry.registrations[:n]

	if len(entry.registrations) >= rl.maxPerWindow {
		rl.totalBlocked++
		rl.logger.Warn("Client registration rate limit exceeded",
			"ip", ip,
			"registrations_in_window", len(entry.registrations),
			"max_per_window", rl.maxPerWindow,
			"window", rl.window)
		return false
	}

	entry.registrations = append(entry.registrations, now)
	rl.totalAllowed++
	return true
}

// RegistrationStats holds registration limiter statistics
type RegistrationStats struct {
	CurrentEntries int
	TotalBlocked   int64
	TotalAllowed   int64
}

// GetStats returns current statistics
func (rl *ClientRegistrationRateLimiter) GetStats() RegistrationStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RegistrationStats{
		CurrentEntries: len(rl.entries),
		TotalBlocked:   rl.totalBlocked,
		TotalAllowed:   rl.totalAllowed,
	}
}
