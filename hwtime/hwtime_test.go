package hwtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNowMonotonic(t *testing.T) {
	a := Now()
	time.Sleep(time.Millisecond)
	b := Now()
	assert.Greater(t, b, a)
}

func TestFrequencyPlausible(t *testing.T) {
	f := Frequency()
	require.NotZero(t, f)
	// Anything from an embedded 1MHz system counter to a 6GHz TSC.
	assert.GreaterOrEqual(t, f, uint64(1e6))
	assert.LessOrEqual(t, f, uint64(1e10))
}

func TestToNanoseconds(t *testing.T) {
	// One second worth of cycles converts back to roughly one second.
	d := ToNanoseconds(Frequency())
	assert.InDelta(t, float64(time.Second), float64(d), float64(50*time.Millisecond))
}

func TestElapsedMatchesWallClock(t *testing.T) {
	start := Now()
	time.Sleep(20 * time.Millisecond)
	elapsed := ToNanoseconds(Now() - start)

	// Sleep overshoots, never undershoots; the calibration itself is
	// good to a few percent.
	assert.GreaterOrEqual(t, elapsed, 18*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}
