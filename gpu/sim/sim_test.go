package sim_test

import (
	"encoding/binary"
	"testing"

	"github.com/drewdorris/xv6-d00m/gpu/sim"
	"github.com/drewdorris/xv6-d00m/virtio"
	"github.com/drewdorris/xv6-d00m/virtio/mmio"
)

func read32(t *testing.T, h mmio.Handler, off int) uint32 {
	t.Helper()

	var p [4]byte
	if err := h.HandleMMIO(off, p[:], false); err != nil {
		t.Fatal(err)
	}

	return binary.LittleEndian.Uint32(p[:])
}

func TestStub(t *testing.T) {
	s := &sim.Stub{ID: virtio.BlockDeviceID}

	if got := read32(t, s, mmio.RegMagicValue); got != virtio.MagicValue {
		t.Errorf("magic = %#x", got)
	}

	if got := read32(t, s, mmio.RegVersion); got != virtio.Version {
		t.Errorf("version = %d", got)
	}

	if got := read32(t, s, mmio.RegDeviceID); got != uint32(virtio.BlockDeviceID) {
		t.Errorf("device id = %d", got)
	}

	if got := read32(t, s, mmio.RegQueueNumMax); got != 0 {
		t.Errorf("unmodeled register = %d, want 0", got)
	}

	var p [4]byte
	if err := s.HandleMMIO(mmio.RegStatus, p[:], true); err == nil {
		t.Error("stub accepted a write")
	}
}

func TestAbsent(t *testing.T) {
	a := sim.Absent{}

	if got := read32(t, a, mmio.RegMagicValue); got != 0 {
		t.Errorf("magic = %#x, want 0", got)
	}
}

func TestDeviceIdentity(t *testing.T) {
	d := sim.New(sim.Config{
		MemAt:  func(addr uint64, size int) ([]byte, error) { return nil, nil },
		Notify: func() {},
	})

	defer d.Close()

	if got := read32(t, d, mmio.RegMagicValue); got != virtio.MagicValue {
		t.Errorf("magic = %#x", got)
	}

	if got := read32(t, d, mmio.RegDeviceID); got != uint32(virtio.GPUDeviceID) {
		t.Errorf("device id = %d, want 16", got)
	}

	// writes outside the reset sequence are illegal
	var p [4]byte
	binary.LittleEndian.PutUint32(p[:], 1)

	if err := d.HandleMMIO(mmio.RegQueueSel, p[:], true); err == nil {
		t.Error("queue select accepted before feature negotiation")
	}
}
