package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/domain"
)

const (
	DefaultRateWindow      = time.Second
	DefaultRateMaxMessages = 50
)

type rateWindow struct {
	count int
	start time.Time
}

// RateLimiter is a fixed-window message budget per connection.
// The first message after a window has elapsed opens a new window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[domain.ConnectionID]*rateWindow
	max     int
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = DefaultRateWindow
	}
	if max <= 0 {
		max = DefaultRateMaxMessages
	}
	return &RateLimiter{
		windows: make(map[domain.ConnectionID]*rateWindow),
		max:     max,
		window:  window,
		now:     time.Now,
	}
}

// Allow counts one message for id and reports whether it fits the current window.
func (rl *RateLimiter) Allow(id domain.ConnectionID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[id]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.windows[id] = &rateWindow{count: 1, start: now}
		return true
	}
	if w.count >= rl.max {
		return false
	}
	w.count++
	return true
}

// Cleanup drops windows that have already elapsed and returns how many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	n := 0
	for id, w := range rl.windows {
		if now.Sub(w.start) >= rl.window {
			delete(rl.windows, id)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) Forget(id domain.ConnectionID) {
	rl.mu.Lock()
	delete(rl.windows, id)
	rl.mu.Unlock()
}
