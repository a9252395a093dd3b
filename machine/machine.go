// Package machine assembles the simulated kernel environment: guest memory,
// the interrupt controller, the virtio-mmio windows with their devices, and
// the GPU driver, booted and ready to draw.
package machine

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/drewdorris/xv6-d00m/gpu"
	"github.com/drewdorris/xv6-d00m/gpu/sim"
	"github.com/drewdorris/xv6-d00m/kernel/mem"
	"github.com/drewdorris/xv6-d00m/kernel/trap"
	"github.com/drewdorris/xv6-d00m/virtio"
	"github.com/drewdorris/xv6-d00m/virtio/mmio"
)

// The memory map follows qemu's riscv virt machine: virtio slots start at
// 0x10001000, one 4K window each. The block device sits in the first slot,
// the GPU in the second.
const (
	Virtio0Base = 0x1000_1000
	Virtio1Base = 0x1000_2000

	Virtio0IRQ = 1
	Virtio1IRQ = 2
)

// Config describes a new machine.
type Config struct {

	// MemSize is the guest memory size in bytes, rounded up to a page.
	// If 0, the machine gets 4M.
	MemSize int

	// Splash, if set, is a cpio archive (plain or gzip) whose splash.bgra
	// member is displayed after boot.
	Splash io.Reader

	// Log, if nil, defaults to slog.Default().
	Log *slog.Logger
}

// Machine is a booted simulated kernel with a live GPU driver.
type Machine struct {
	Arena *mem.Arena
	Trap  *trap.Table
	GPU   *gpu.Driver
	Dev   *sim.Device
}

const memSizeDefault = 4 << 20

// New builds and boots a machine: the GPU handshake runs to completion and
// the first frame (the boot gradient, or the splash if one is given) has
// been transferred and flushed.
func New(cfg Config) (*Machine, error) {
	if cfg.MemSize == 0 {
		cfg.MemSize = memSizeDefault
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	arena := mem.NewArena(cfg.MemSize)
	tt := trap.NewTable()

	dev := sim.New(sim.Config{
		MemAt: arena.At,
		Notify: func() {
			tt.Raise(Virtio1IRQ)
		},
		Log: log,
	})

	drv, err := gpu.New(gpu.Config{
		Probe: mmio.NewWindow(Virtio0Base, &sim.Stub{ID: virtio.BlockDeviceID}),
		Regs:  mmio.NewWindow(Virtio1Base, dev),
		Mem:   arena,
		Intr:  tt,
		Log:   log,
	})

	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}

	tt.Register(Virtio1IRQ, drv.HandleIRQ)
	drv.Init()

	// boot is done: unmask interrupts for the syscall paths
	tt.Enable()

	m := &Machine{
		Arena: arena,
		Trap:  tt,
		GPU:   drv,
		Dev:   dev,
	}

	if cfg.Splash != nil {
		img, err := LoadSplash(cfg.Splash)
		if err != nil {
			dev.Close()
			return nil, fmt.Errorf("machine: %w", err)
		}

		copy(drv.Framebuffer(), img)
		drv.Transfer()
		drv.Flush()
	}

	return m, nil
}

// Close stops the simulated device.
func (m *Machine) Close() {
	m.Dev.Close()
}
