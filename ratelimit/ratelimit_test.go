package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterNeverDelays(t *testing.T) {
	l := New(0)
	require.Nil(t, l)

	start := time.Now()
	for i := 0; i < 1_000_000; i++ {
		l.Wait(1)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestStrideClamped(t *testing.T) {
	assert.Equal(t, uint64(32), New(10).stride, "low rates keep the minimum stride")
	assert.Equal(t, uint64(1024), New(10_000_000).stride, "high rates cap the stride")
	assert.Equal(t, uint64(500), New(50_000).stride)
}

func TestWaitHoldsTargetRate(t *testing.T) {
	const pps = 200_000
	const n = 20_000 // 100ms at the target rate

	l := New(pps)
	start := time.Now()
	for i := 0; i < n; i++ {
		l.Wait(1)
	}
	elapsed := time.Since(start)

	// The loop must not finish faster than the rate allows. Slower is
	// fine: scheduling noise only ever adds time.
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestWaitDoesNotBurstAfterFallingBehind(t *testing.T) {
	l := New(1_000_000)

	// Simulate a stall: the loop is far behind schedule.
	l.start = l.start.Add(-time.Second)

	start := time.Now()
	l.Wait(l.stride) // lands exactly on a clock check
	assert.Less(t, time.Since(start), 10*time.Millisecond,
		"a loop behind schedule proceeds without sleeping")
}
