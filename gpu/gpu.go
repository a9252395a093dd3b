// Package gpu drives a memory-mapped paravirtualized GPU exposing a single
// linear framebuffer. The driver negotiates the virtio-mmio handshake, owns
// control queue 0, and pushes exactly one command at a time: higher layers
// write pixels into the framebuffer and call Transfer and Flush to put them
// on the scanout.
package gpu

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/drewdorris/xv6-d00m/kernel/mem"
	"github.com/drewdorris/xv6-d00m/virtio"
	"github.com/drewdorris/xv6-d00m/virtio/mmio"
	"github.com/drewdorris/xv6-d00m/virtio/virtq"
)

// Framebuffer geometry. Pixels are 32-bit BGRA, row-major, no stride padding.
const (
	FBWidth  = 320
	FBHeight = 200
	FBBytes  = FBWidth * FBHeight * 4
)

// ResourceID names the one device-side resource the driver creates. Any
// positive value works as long as every command names the same one.
const ResourceID = 666

const (
	controlQueue = 0 // queue 0: control commands; queue 1 (cursor) stays unconfigured

	reqDesc  = 0 // descriptor 0 always holds the request
	respDesc = 1 // descriptor 1 always holds the response

	// respSentinel is written to the response slot before each command so a
	// stale read is distinguishable from a device response.
	respSentinel = 42
)

// NotOwned marks the framebuffer as free in the ownership gate.
const NotOwned = -1

var ErrConfig = errors.New("gpu: invalid config")

// Interrupts is the piece of the interrupt controller the driver touches:
// the kernel-init wait briefly unmasks interrupts while it spins.
type Interrupts interface {
	Enable()
	Disable()
}

// Config describes the hardware the driver binds to.
type Config struct {

	// Probe is the first candidate window, reported during the probe pass.
	// The driver only reads it, unless the GPU is found there and not at
	// Regs, in which case the driver drives it instead of Regs.
	Probe *mmio.Window

	// Regs is the window the GPU is expected at.
	Regs *mmio.Window

	// Mem allocates the virtqueue pages, the request buffers, and the
	// framebuffer.
	Mem *mem.Arena

	// Intr masks and unmasks the device interrupt line.
	Intr Interrupts

	// Log, if nil, defaults to slog.Default().
	Log *slog.Logger

	// Halt is called on every unrecoverable condition: configuration
	// mismatch at bring-up or protocol violation at runtime. If nil it
	// panics, which is the kernel-panic analog.
	Halt func(msg string)
}

// Driver is the sole handle on the GPU. All device interaction is serialized
// under one lock; at most one command is ever in flight.
type Driver struct {
	probe *mmio.Window
	regs  *mmio.Window
	arena *mem.Arena
	intr  Interrupts
	log   *slog.Logger
	halt  func(string)

	mu   sync.Mutex
	cond *sync.Cond

	// inflight is 1 from the moment a command claims the device, before its
	// chain is built and notified, until the ISR validates the completion.
	// The init wait spins on it without holding mu.
	inflight atomic.Uint32

	// usedIdx is the next unread used-ring entry, free-running; compare
	// against the device's 16-bit idx by truncation.
	usedIdx uint32

	// owner is the pid holding the framebuffer, or NotOwned. Guarded by mu.
	owner int

	desc  []virtq.D
	avail *virtq.Avail
	used  *virtq.Used

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	req requests

	fb     []byte
	fbAddr uint64
}

// New allocates the driver's fixed memory: the framebuffer and the request
// buffers. The device is untouched until Init.
func New(cfg Config) (*Driver, error) {
	if cfg.Probe == nil || cfg.Regs == nil || cfg.Mem == nil || cfg.Intr == nil {
		return nil, ErrConfig
	}

	d := &Driver{
		probe: cfg.Probe,
		regs:  cfg.Regs,
		arena: cfg.Mem,
		intr:  cfg.Intr,
		log:   cfg.Log,
		halt:  cfg.Halt,
		owner: NotOwned,
	}

	if d.log == nil {
		d.log = slog.Default()
	}

	if d.halt == nil {
		d.halt = func(msg string) {
			panic("virtiogpu: " + msg)
		}
	}

	d.cond = sync.NewCond(&d.mu)

	fbAddr, fb, err := cfg.Mem.AllocPages((FBBytes + mem.PageSize - 1) / mem.PageSize)
	if err != nil {
		return nil, err
	}

	d.fb = fb[:FBBytes]
	d.fbAddr = fbAddr

	if err := d.req.alloc(cfg.Mem); err != nil {
		return nil, err
	}

	return d, nil
}

// Init brings the device up and issues the initial command sequence. It runs
// once, on the sole kernel thread, with the device's interrupt line masked;
// interrupts are enabled only around each command's blocking wait. Any
// mismatch in the handshake halts the kernel.
func (d *Driver) Init() {
	d.log.Info("initialising virtiogpu")
	d.log.Info("framebuffer", "addr", d.fbAddr, "len", len(d.fb))

	d.probeWindow("virtio0", d.probe)
	d.probeWindow("virtio1", d.regs)

	// drive whichever window has the GPU; it should have been virtio1
	if deviceAt(d.probe) == virtio.GPUDeviceID && deviceAt(d.regs) != virtio.GPUDeviceID {
		d.log.Info("GPU found on the probe window")
		d.regs = d.probe
	}

	if d.regs.Load(mmio.RegMagicValue) != virtio.MagicValue {
		d.fatal("virtio1 not a virt device")
		return
	}

	if v := d.regs.Load(mmio.RegVersion); v != virtio.Version {
		d.fatal("virtio1 got wrong version")
		return
	}

	if id := virtio.DeviceID(d.regs.Load(mmio.RegDeviceID)); id != virtio.GPUDeviceID {
		d.fatal("virtio1 not a GPU")
		return
	}

	// the virtio dance
	var status uint32
	d.regs.Store(mmio.RegStatus, 0)

	status |= virtio.StatusAcknowledge
	d.regs.Store(mmio.RegStatus, status)

	status |= virtio.StatusDriver
	d.regs.Store(mmio.RegStatus, status)

	// feature negotiation: the GPU offers nothing we can use (no EDID, no
	// virgl), so accept no feature bits at all
	features := d.regs.Load(mmio.RegDeviceFeatures)
	d.regs.Store(mmio.RegDriverFeatures, features&0)

	status |= virtio.StatusFeaturesOK
	d.regs.Store(mmio.RegStatus, status)

	// did it balk?
	if d.regs.Load(mmio.RegStatus)&virtio.StatusFeaturesOK == 0 {
		d.fatal("FEATURES_OK balked")
		return
	}

	// queue 0 is the control queue; queue 1 is the cursor fast path, unused
	d.regs.Store(mmio.RegQueueSel, controlQueue)

	if d.regs.Load(mmio.RegQueueReady) != 0 {
		d.fatal("queue 0 should not be ready yet")
		return
	}

	max := d.regs.Load(mmio.RegQueueNumMax)
	if max == 0 {
		d.fatal("no queue 0")
		return
	}

	if max < virtq.Num {
		d.fatal("max queue too short")
		return
	}

	if err := d.allocRings(); err != nil {
		d.fatal(err.Error())
		return
	}

	d.regs.Store(mmio.RegQueueNum, virtq.Num)

	// physical addresses, split low/high
	d.regs.Store(mmio.RegQueueDescLow, uint32(d.descAddr))
	d.regs.Store(mmio.RegQueueDescHigh, uint32(d.descAddr>>32))
	d.regs.Store(mmio.RegQueueDriverLow, uint32(d.availAddr))
	d.regs.Store(mmio.RegQueueDriverHigh, uint32(d.availAddr>>32))
	d.regs.Store(mmio.RegQueueDeviceLow, uint32(d.usedAddr))
	d.regs.Store(mmio.RegQueueDeviceHigh, uint32(d.usedAddr>>32))

	d.regs.Store(mmio.RegQueueReady, 1)

	status |= virtio.StatusDriverOK
	d.regs.Store(mmio.RegStatus, status)

	d.log.Info("virtiogpu up", "status", d.regs.Load(mmio.RegStatus))

	// ceremonial commands: make the resource, back it with our memory, bind
	// it to the scanout, then push the first frame
	d.createResource()
	d.attachBacking()
	d.setScanout()
	d.transferInit()
	d.flushInit()
}

// probeWindow reports what sits behind a candidate window.
func (d *Driver) probeWindow(name string, w *mmio.Window) {
	if id := deviceAt(w); id != virtio.InvalidDeviceID {
		d.log.Info("probe", "window", name, "device", id.String())
		return
	}

	d.log.Info("probe", "window", name, "device", "absent")
}

// deviceAt identifies a window's occupant, or InvalidDeviceID if the magic
// probe fails.
func deviceAt(w *mmio.Window) virtio.DeviceID {
	if w.Load(mmio.RegMagicValue) != virtio.MagicValue {
		return virtio.InvalidDeviceID
	}

	return virtio.DeviceID(w.Load(mmio.RegDeviceID))
}

func (d *Driver) allocRings() error {
	descAddr, descPage, err := d.arena.AllocPage()
	if err != nil {
		return err
	}

	availAddr, availPage, err := d.arena.AllocPage()
	if err != nil {
		return err
	}

	usedAddr, usedPage, err := d.arena.AllocPage()
	if err != nil {
		return err
	}

	d.desc = virtq.DescTable(descPage)
	d.avail = virtq.AvailView(availPage)
	d.used = virtq.UsedView(usedPage)

	d.descAddr = descAddr
	d.availAddr = availAddr
	d.usedAddr = usedAddr

	return nil
}

// Framebuffer returns the pixel memory shared with the device. Higher layers
// write into it and call Transfer then Flush to display it.
func (d *Driver) Framebuffer() []byte {
	return d.fb
}

// FramebufferAddr returns the framebuffer's physical address.
func (d *Driver) FramebufferAddr() uint64 {
	return d.fbAddr
}

// Busy reports whether a command is in flight: claimed by a caller (and
// notified to the device) but not yet validated by the interrupt service
// routine.
func (d *Driver) Busy() bool {
	return d.inflight.Load() == 1
}

func (d *Driver) fatal(msg string) {
	d.halt(msg)
}

// requests holds the statically allocated command buffers, one per command
// kind, plus the response slot, all in a single page so their physical
// addresses are fixed for the device's lifetime.
type requests struct {
	page []byte
	addr uint64

	create   *ResourceCreate2D
	attach   *AttachBackingSingle
	scanout  *SetScanout
	transfer *TransferToHost2D
	flush    *ResourceFlush

	// resp is a full control header even though only Type is ever read:
	// every response the driver accepts is header-only.
	resp *CtrlHdr

	createAddr   uint64
	attachAddr   uint64
	scanoutAddr  uint64
	transferAddr uint64
	flushAddr    uint64
	respAddr     uint64
}

// fixed offsets of each buffer within the request page, 8-aligned
const (
	reqCreateOff   = 0
	reqAttachOff   = 64
	reqScanoutOff  = 128
	reqTransferOff = 192
	reqFlushOff    = 256
	reqRespOff     = 320
)

func (r *requests) alloc(a *mem.Arena) error {
	addr, page, err := a.AllocPage()
	if err != nil {
		return err
	}

	r.page = page
	r.addr = addr

	r.create = (*ResourceCreate2D)(unsafe.Pointer(&page[reqCreateOff]))
	r.attach = (*AttachBackingSingle)(unsafe.Pointer(&page[reqAttachOff]))
	r.scanout = (*SetScanout)(unsafe.Pointer(&page[reqScanoutOff]))
	r.transfer = (*TransferToHost2D)(unsafe.Pointer(&page[reqTransferOff]))
	r.flush = (*ResourceFlush)(unsafe.Pointer(&page[reqFlushOff]))
	r.resp = (*CtrlHdr)(unsafe.Pointer(&page[reqRespOff]))

	r.createAddr = addr + reqCreateOff
	r.attachAddr = addr + reqAttachOff
	r.scanoutAddr = addr + reqScanoutOff
	r.transferAddr = addr + reqTransferOff
	r.flushAddr = addr + reqFlushOff
	r.respAddr = addr + reqRespOff

	return nil
}
