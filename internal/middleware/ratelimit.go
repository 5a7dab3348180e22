package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute caps failed bearer-token attempts per
	// client IP before the auth middleware starts returning 429.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the limiter's memory. When the table is
	// full, the least recently seen client is evicted to make room.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleEviction  = 5 * time.Minute
)

// clientLimiter is the token bucket for one client IP. Failed attempts drain
// it; tokens refill at the configured per-minute rate.
type clientLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentication attempts per client IP. Only
// failures consume tokens, so a client presenting a valid key is never
// limited. Idle clients are swept in the background until Stop is called.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientLimiter
	perMinute  int
	maxClients int
	cancel     context.CancelFunc

	now func() time.Time
}

// NewRateLimiter builds a per-IP failure limiter allowing maxPerMinute failed
// attempts. A non-positive maxPerMinute falls back to
// DefaultMaxAttemptsPerMinute. The background sweep stops when ctx is
// cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}

	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		clients:    make(map[string]*clientLimiter),
		perMinute:  maxPerMinute,
		maxClients: DefaultMaxTrackedIPs,
		cancel:     cancel,
		now:        time.Now,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Allow reports whether ip may attempt authentication. Clients with no
// recorded failures are always allowed; checking does not consume a token.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[ip]
	if !ok {
		return true
	}
	c.lastSeen = rl.now()
	return c.bucket.Allow()
}

// RecordFailure charges one failed attempt against ip.
func (rl *RateLimiter) RecordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.clientLocked(ip).bucket.Allow()
}

// RecordFailureAndAllow charges one failed attempt against ip and reports
// whether the client is still under its limit.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.clientLocked(ip).bucket.Allow()
}

// Stop cancels the background sweep.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

// clientLocked returns the limiter for ip, creating it on first failure.
// rl.mu must be held.
func (rl *RateLimiter) clientLocked(ip string) *clientLimiter {
	now := rl.now()
	c, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxClients {
			rl.evictColdestLocked()
		}
		c = &clientLimiter{
			bucket: rate.NewLimiter(rate.Limit(float64(rl.perMinute)/60.0), rl.perMinute),
		}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c
}

// evictColdestLocked drops the client that has been quiet the longest.
// rl.mu must be held.
func (rl *RateLimiter) evictColdestLocked() {
	coldest := ""
	var coldestSeen time.Time
	for ip, c := range rl.clients {
		if coldest == "" || c.lastSeen.Before(coldestSeen) {
			coldest = ip
			coldestSeen = c.lastSeen
		}
	}
	if coldest != "" {
		delete(rl.clients, coldest)
	}
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep evicts clients that have been idle past the eviction window. A swept
// client starts over with a full bucket on its next failure.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idleEviction)
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// ExtractIP strips the port from an http.Request RemoteAddr. Values without a
// port are returned unchanged.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
