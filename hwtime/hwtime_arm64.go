//go:build arm64

package hwtime

// cycles reads CNTVCT_EL0. Implemented in cnt_arm64.s.
func cycles() uint64

// frequency reads CNTFRQ_EL0. Implemented in cnt_arm64.s.
func frequency() uint64
