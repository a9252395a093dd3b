// Package sys is the framebuffer syscall surface. The ownership gate in the
// driver is advisory; this layer is where it becomes authoritative: a
// process may not transfer or flush unless it holds the framebuffer.
package sys

import (
	"errors"

	"github.com/drewdorris/xv6-d00m/gpu"
)

// ErrNotOwner is returned when a process transfers or flushes a framebuffer
// it has not acquired.
var ErrNotOwner = errors.New("sys: process does not hold the framebuffer")

// FB exposes the framebuffer syscalls. Current supplies the calling
// process's pid, standing in for the process table's notion of the current
// process.
type FB struct {
	GPU     *gpu.Driver
	Current func() int
}

// Acquire grants the current process exclusive framebuffer use. Idempotent
// per process; returns false while another process holds it.
func (fb *FB) Acquire() bool {
	return fb.GPU.Acquire(fb.Current())
}

// Release gives up the current process's ownership. No-op if not owner.
func (fb *FB) Release() {
	fb.GPU.Release(fb.Current())
}

// Holds reports whether the current process owns the framebuffer.
func (fb *FB) Holds() bool {
	return fb.GPU.Holds(fb.Current())
}

// Transfer uploads the framebuffer to the device. It blocks until the
// device completes. Requires ownership.
func (fb *FB) Transfer() error {
	if !fb.Holds() {
		return ErrNotOwner
	}

	fb.GPU.Transfer()
	return nil
}

// Flush makes the uploaded framebuffer visible. It blocks until the device
// completes. Requires ownership.
func (fb *FB) Flush() error {
	if !fb.Holds() {
		return ErrNotOwner
	}

	fb.GPU.Flush()
	return nil
}

// Map returns the framebuffer pixel memory. The kernel's memory subsystem
// would map these pages into the process; here the caller writes them
// directly.
func (fb *FB) Map() []byte {
	return fb.GPU.Framebuffer()
}
