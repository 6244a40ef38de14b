package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowHonoursBurstPerIdentity(t *testing.T) {
	l := New(1, 2)
	clock := time.Unix(1000, 0)
	l.now = func() time.Time { return clock }

	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))

	assert.True(t, l.Allow("bob"), "identities are limited independently")

	clock = clock.Add(time.Second)
	assert.True(t, l.Allow("alice"))
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(0, 1)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("alice"))
	}

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("alice"))
}

func TestPruneDropsIdleBuckets(t *testing.T) {
	l := New(1, 1)
	clock := time.Unix(1000, 0)
	l.now = func() time.Time { return clock }

	l.Allow("alice")
	clock = clock.Add(time.Minute)
	l.Allow("bob")

	assert.Equal(t, 1, l.Prune(30*time.Second))
	assert.Len(t, l.entries, 1)
	assert.Contains(t, l.entries, "bob")
}
