package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/go-concierge/internal/config"
)

type identityLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles webhook submissions per identity so one chatty
// sender cannot flood its own queue. Idle identities are evicted.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[string]*identityLimit
	every   rate.Limit
	burst   int
	enabled bool
	now     func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limits:  make(map[string]*identityLimit),
		every:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.now = now
}

// Allow reports whether identity may submit now. A nil or disabled limiter
// allows everything.
func (rl *RateLimiter) Allow(identity string) bool {
	if rl == nil || !rl.enabled {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	l, ok := rl.limits[identity]
	if !ok {
		l = &identityLimit{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.limits[identity] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// StartEviction drops idle identities every interval until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxIdle)
			}
		}
	}()
}

// EvictStale forgets identities not seen within maxIdle. An evicted
// identity starts again with a full burst.
func (rl *RateLimiter) EvictStale(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-maxIdle)
	evicted := 0
	for id, l := range rl.limits {
		if l.lastSeen.Before(cutoff) {
			delete(rl.limits, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "tracked", len(rl.limits))
	}
	return evicted
}

// Tracked returns the number of identities with live limiter state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limits)
}
