// Package ratelimit paces a packet send loop to a target rate.
package ratelimit

import "time"

// Limiter holds a send loop to at most pps packets per second on
// average. Not safe for concurrent use.
type Limiter struct {
	nsPerPacket int64
	sent        uint64
	start       time.Time
	stride      uint64
}

// New creates a limiter for pps packets per second. A nil limiter (pps
// == 0) is valid and never delays.
func New(pps uint64) *Limiter {
	if pps == 0 {
		return nil
	}
	return &Limiter{
		nsPerPacket: int64(time.Second) / int64(pps),
		start:       time.Now(),

		// Consult the clock roughly every 10ms worth of packets, clamped
		// so low rates still pace and high rates don't hammer time.Now.
		stride: min(max(pps/100, 32), 1024),
	}
}

// Wait accounts for n packets and sleeps if the loop is ahead of
// schedule. A loop that fell behind is not allowed to burst back.
func (l *Limiter) Wait(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.sent += n
	if l.sent%l.stride != 0 {
		return
	}

	due := l.start.Add(time.Duration(int64(l.sent) * l.nsPerPacket))
	if now := time.Now(); now.Before(due) {
		time.Sleep(due.Sub(now))
	}
}
