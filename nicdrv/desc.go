//go:build linux

package nicdrv

/*---- Hardware descriptor layout ----*/

// The descriptor records below are dictated by the hardware: fixed size,
// fixed field order, one cache line each. Do not reorder or repack.

const (
	descStatusDD  = 1 << 0 // descriptor done: hardware finished with it
	descStatusEOP = 1 << 1 // end of packet

	descBytes = 64
)

// rxDesc is written by the device on packet arrival and recycled by
// software after the payload has been consumed.
type rxDesc struct {
	BufferAddr uint64
	Length     uint16
	Checksum   uint16
	Status     uint32
	RSSHash    uint32
	_          uint32
	Timestamp  uint64
	_          [4]uint64
}

// txDesc is written by software when queuing a packet and marked done by
// the device after transmission.
type txDesc struct {
	BufferAddr uint64
	CmdTypeLen uint32
	Status     uint32
	_          [6]uint64
}
