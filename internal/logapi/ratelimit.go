package logapi

import (
	"sync"
	"time"
)

const (
	defaultRateWindow = 60 * time.Second
	defaultRateMax    = 100
)

// rateLimiter is a fixed-window per-client counter. The whole map is
// reset at each window boundary rather than tracked per client.
type rateLimiter struct {
	window time.Duration
	max    int

	mu          sync.Mutex
	windowStart time.Time
	counts      map[string]int
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	if max <= 0 {
		max = defaultRateMax
	}
	return &rateLimiter{
		window: window,
		max:    max,
		counts: make(map[string]int),
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= l.window {
		l.windowStart = now
		l.counts = make(map[string]int)
	}
	l.counts[key]++
	return l.counts[key] <= l.max
}
