package mmio

import (
	"encoding/binary"
	"fmt"
)

var le = binary.LittleEndian

// Handler is the device side of a register window. Every access is 4 bytes.
// A non-nil error means the access was illegal for the device's current
// state; on real hardware that is a bus fault.
type Handler interface {
	HandleMMIO(off int, p []byte, isWrite bool) error
}

// Window is a driver's typed 32-bit view of one device's 4K register region.
// Loads and stores go straight to the device with no caching. A rejected
// access panics: the driver has no recovery path for a bus fault.
type Window struct {
	base uint64
	h    Handler
}

// NewWindow returns a window over the handler's registers. The base physical
// address is kept for diagnostics only.
func NewWindow(base uint64, h Handler) *Window {
	return &Window{base: base, h: h}
}

// Base returns the window's physical base address.
func (w *Window) Base() uint64 {
	return w.base
}

// Load reads the 32-bit register at off.
func (w *Window) Load(off int) uint32 {
	var p [4]byte
	if err := w.h.HandleMMIO(off, p[:], false); err != nil {
		panic(fmt.Sprintf("mmio: load %#x+%#x: %v", w.base, off, err))
	}

	return le.Uint32(p[:])
}

// Store writes the 32-bit register at off.
func (w *Window) Store(off int, v uint32) {
	var p [4]byte
	le.PutUint32(p[:], v)

	if err := w.h.HandleMMIO(off, p[:], true); err != nil {
		panic(fmt.Sprintf("mmio: store %#x+%#x: %v", w.base, off, err))
	}
}
