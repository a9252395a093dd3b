// Package virtq defines the split virtqueue layout described by the Virtual
// I/O Device (VIRTIO) Version 1.2 spec, at the fixed queue depth this kernel
// uses. The structures are shared with the device and must stay bit-exact:
// the driver owns the descriptor table and the available ring, the device
// owns the used ring.
package virtq

import (
	"fmt"
	"unsafe"
)

// Num is the queue depth. It must be a power of two and no larger than the
// QUEUE_NUM_MAX the device reports.
const Num = 8

// descriptor flags

const (
	DescFNext     = 1 // buffer continues in the next descriptor
	DescFWrite    = 2 // buffer is device wo (otherwise ro)
	DescFIndirect = 4 // buffer contains a descriptor table
)

// D is a descriptor: one buffer the driver exposes to the device.
type D struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Avail is the available ring. The driver writes a chain's head descriptor
// index at Ring[Idx % Num] and then increments Idx; Idx is a free-running
// 16-bit counter.
type Avail struct {
	Flags uint16
	Idx   uint16
	Ring  [Num]uint16
}

// UsedElem is one completion: the head descriptor index of a finished chain
// and the number of bytes the device wrote into it.
type UsedElem struct {
	ID  uint32
	Len uint32
}

// Used is the used ring. The device writes completions and advances Idx,
// another free-running 16-bit counter.
type Used struct {
	Flags uint16
	Idx   uint16
	Ring  [Num]UsedElem
}

// DescTable views a page as the descriptor table. The page must be at least
// Num*16 bytes and suitably aligned; pages from the kernel allocator are.
func DescTable(p []byte) []D {
	if len(p) < Num*int(unsafe.Sizeof(D{})) {
		panic(fmt.Sprintf("virtq: descriptor page too small: %d", len(p)))
	}

	return unsafe.Slice((*D)(unsafe.Pointer(&p[0])), Num)
}

// AvailView views a page as the available ring.
func AvailView(p []byte) *Avail {
	if len(p) < int(unsafe.Sizeof(Avail{})) {
		panic(fmt.Sprintf("virtq: avail page too small: %d", len(p)))
	}

	return (*Avail)(unsafe.Pointer(&p[0]))
}

// UsedView views a page as the used ring.
func UsedView(p []byte) *Used {
	if len(p) < int(unsafe.Sizeof(Used{})) {
		panic(fmt.Sprintf("virtq: used page too small: %d", len(p)))
	}

	return (*Used)(unsafe.Pointer(&p[0]))
}
