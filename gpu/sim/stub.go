package sim

import (
	"github.com/drewdorris/xv6-d00m/virtio"
	"github.com/drewdorris/xv6-d00m/virtio/mmio"
	"golang.org/x/sys/unix"
)

// Stub occupies a window with just enough registers to be probed: magic,
// version, and a device id. The block device at the first window is a stub
// here; this kernel only ever drives the GPU.
type Stub struct {
	ID virtio.DeviceID
}

// HandleMMIO implements mmio.Handler.
func (s *Stub) HandleMMIO(off int, p []byte, isWrite bool) error {
	if isWrite {
		return unix.EPERM
	}

	switch off {
	case mmio.RegMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case mmio.RegVersion:
		le.PutUint32(p, virtio.Version)

	case mmio.RegDeviceID:
		le.PutUint32(p, uint32(s.ID))

	default:
		le.PutUint32(p, 0)
	}

	return nil
}

// Absent is a window with nothing behind it: every read returns zero, so a
// magic probe fails.
type Absent struct{}

// HandleMMIO implements mmio.Handler.
func (Absent) HandleMMIO(off int, p []byte, isWrite bool) error {
	if isWrite {
		return unix.EPERM
	}

	le.PutUint32(p, 0)
	return nil
}
