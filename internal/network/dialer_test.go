package network

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDurationGrowsAndCaps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	first := nextBackoffDuration(0, rng, time.Hour)
	assert.GreaterOrEqual(t, first, backoffBase)
	assert.Less(t, first, backoffBase+backoffJitter)

	third := nextBackoffDuration(2, rng, time.Hour)
	assert.GreaterOrEqual(t, third, 4*backoffBase)

	assert.Equal(t, 10*time.Second, nextBackoffDuration(40, rng, 10*time.Second))
}

func TestPeerDialerBackoffWindow(t *testing.T) {
	d := newPeerDialer()
	now := time.Now()
	addr := "127.0.0.1:7420"
	assert.True(t, d.shouldTry(addr, now))

	assert.Equal(t, 1, d.recordFailure(addr, now))
	assert.False(t, d.shouldTry(addr, now))
	assert.True(t, d.shouldTry(addr, now.Add(backoffBase+backoffJitter)))

	assert.Equal(t, 2, d.recordFailure(addr, now))
	d.resetFailures(addr)
	assert.True(t, d.shouldTry(addr, now))
}
