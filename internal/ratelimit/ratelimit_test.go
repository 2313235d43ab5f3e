package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterRefills(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	l := newLimiter(2, 3, c.now)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "burst token %d", i)
	}
	assert.False(t, l.Allow())

	c.advance(500 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	c.advance(time.Hour)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow())
	}
	assert.False(t, l.Allow(), "refill is capped at burst")
}

func TestZeroRateNeverLimits(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow())
	}
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow())

	k := NewKeyed(0, 1, 0)
	assert.False(t, k.Enabled())
	assert.True(t, k.Allow("a"))
	assert.Equal(t, 0, k.Len())
}

func TestKeyedSeparatesAndSweeps(t *testing.T) {
	c := &clock{t: time.Unix(1700000000, 0)}
	k := NewKeyed(1, 1, time.Minute)
	k.now = c.now
	k.lastScan = c.t

	assert.True(t, k.Allow("a"))
	assert.False(t, k.Allow("a"))
	assert.True(t, k.Allow("b"), "keys have separate buckets")
	assert.Equal(t, 2, k.Len())

	k.Forget("b")
	assert.Equal(t, 1, k.Len())

	c.advance(2 * time.Minute)
	assert.True(t, k.Allow("c"))
	assert.Equal(t, 1, k.Len(), "idle bucket a is swept")
}
