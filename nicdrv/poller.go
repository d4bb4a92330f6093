//go:build linux

package nicdrv

import (
	"context"
	"runtime"
)

// After this many consecutive empty polls the loop yields its P so a
// shared machine stays usable; on a dedicated core the yield is a no-op.
const pollerIdleYield = 1 << 16

// RunPoller busy-polls dev and calls fn for every received packet.
// The packet view passed to fn is only valid for the duration of the
// call. Cancellation is cooperative: ctx is checked between polls, the
// core itself never blocks. Returns context.Canceled when ctx ends, or
// fn's error, which stops the loop immediately.
func RunPoller(ctx context.Context, dev Device, fn func(pkt []byte) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	idle := 0
	for {
		if ctx.Err() != nil {
			return context.Canceled
		}

		pkt, ok := dev.Receive()
		if !ok {
			idle++
			if idle >= pollerIdleYield {
				runtime.Gosched()
				idle = 0
			}
			continue
		}
		idle = 0

		if err := fn(pkt); err != nil {
			return err
		}
	}
}
