// Package hwtime reads a free-running hardware cycle counter for
// nanosecond-precision latency measurement.
//
// On amd64 the counter is the TSC, on arm64 the generic timer
// (CNTVCT_EL0). Other targets fall back to the Go monotonic clock.
// hwtime is instrumentation only; nothing on the packet path depends
// on it for correctness.
package hwtime

import "time"

// Now returns the current value of the cycle counter.
func Now() uint64 { return cycles() }

// Frequency returns the counter rate in cycles per second.
func Frequency() uint64 { return frequency() }

// ToNanoseconds converts a cycle delta into a duration.
func ToNanoseconds(c uint64) time.Duration {
	f := frequency()
	if f == 0 {
		return 0
	}
	return time.Duration(float64(c) / float64(f) * 1e9)
}
