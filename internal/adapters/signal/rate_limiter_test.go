package signal

import (
	"testing"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) (*time.Time, func() time.Time) {
	cur := t
	return &cur, func() time.Time { return cur }
}

func TestRateLimiterRejectsFiftyFirst(t *testing.T) {
	rl := NewRateLimiter(time.Second, 50)
	cur, now := fixedClock(time.Unix(1000, 0))
	rl.now = now

	for i := 0; i < 50; i++ {
		*cur = cur.Add(time.Millisecond)
		assert.True(t, rl.Allow("a"), "message %d", i+1)
	}
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "budgets are per connection")
}

func TestRateLimiterWindowResets(t *testing.T) {
	rl := NewRateLimiter(time.Second, 2)
	cur, now := fixedClock(time.Unix(1000, 0))
	rl.now = now

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	*cur = cur.Add(999 * time.Millisecond)
	assert.False(t, rl.Allow("a"))

	*cur = cur.Add(time.Millisecond)
	assert.True(t, rl.Allow("a"))
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(time.Second, 5)
	cur, now := fixedClock(time.Unix(1000, 0))
	rl.now = now

	rl.Allow("old")
	*cur = cur.Add(800 * time.Millisecond)
	rl.Allow("new")
	*cur = cur.Add(300 * time.Millisecond)

	assert.Equal(t, 1, rl.Cleanup())
	assert.Contains(t, rl.windows, domain.ConnectionID("new"))
	assert.NotContains(t, rl.windows, domain.ConnectionID("old"))

	rl.Forget("new")
	assert.Empty(t, rl.windows)
}
