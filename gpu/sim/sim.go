// Package sim models the device side of a virtio-mmio GPU: the register
// state machine, the control-queue processor, and a host-side display. The
// machine wires it behind the driver's register window; tests use it to
// observe every register write and to misbehave on demand.
package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drewdorris/xv6-d00m/gpu"
	"github.com/drewdorris/xv6-d00m/virtio"
	"github.com/drewdorris/xv6-d00m/virtio/mmio"
	"github.com/drewdorris/xv6-d00m/virtio/virtq"
	"golang.org/x/sys/unix"
)

var le = binary.LittleEndian

// device-specific feature bits the GPU offers; the driver accepts none
const (
	gpuFVirgl = 1 << 0
	gpuFEdid  = 1 << 1
)

const numQueues = 2 // control, cursor

// Config describes a simulated GPU.
type Config struct {

	// MemAt resolves a physical address the driver published to the bytes
	// backing it.
	MemAt func(addr uint64, size int) ([]byte, error)

	// Notify raises the device's interrupt line.
	Notify func()

	// Log, if nil, defaults to slog.Default().
	Log *slog.Logger

	// DeviceID overrides the id the device reports. 0 means GPU.
	DeviceID uint32

	// QueueNumMax overrides the max queue depth the device reports.
	// 0 means 64.
	QueueNumMax uint32

	// RespondWith, if nonzero, replaces every response type the device
	// would write. Tests use it to provoke the driver's fatal path.
	RespondWith uint32
}

// RegWrite is one journaled register write.
type RegWrite struct {
	Off int
	Val uint32
}

// Device is a simulated virtio-mmio GPU.
type Device struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	status  uint32
	version uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    uint64

	queueSel  uint32
	queues    [numQueues]queueState
	intStatus uint32

	journal []RegWrite
	notifyC chan struct{}

	respondWith uint32
	gate        chan struct{}
	commands    []uint32
	maxQueued   uint16

	resources map[uint32]*resource
	scanout   scanoutState
	display   []byte
}

type queueState struct {
	Ready      uint32
	NumDesc    uint32
	DescAddr   uint64
	DriverAddr uint64
	DeviceAddr uint64

	desc  []virtq.D
	avail *virtq.Avail
	used  *virtq.Used

	// pending snapshots avail.Idx at each doorbell write; the worker only
	// walks entries published before the doorbell
	pending   uint16
	lastAvail uint16
}

type resource struct {
	id     uint32
	format uint32
	width  uint32
	height uint32
	data   []byte

	backingAddr uint64
	backingLen  uint32
}

type scanoutState struct {
	resourceID uint32
	r          gpu.Rect
}

const (
	negotiatingFeatures = virtio.StatusAcknowledge | virtio.StatusDriver
	configuringQueues   = negotiatingFeatures | virtio.StatusFeaturesOK
	operatingNormally   = configuringQueues | virtio.StatusDriverOK
)

// New returns a running device. Close it to stop the control-queue worker.
func New(cfg Config) *Device {
	d := &Device{
		cfg:         cfg,
		log:         cfg.Log,
		notifyC:     make(chan struct{}, 1),
		respondWith: cfg.RespondWith,
		resources:   make(map[uint32]*resource),
	}

	if d.log == nil {
		d.log = slog.Default()
	}

	go d.run()

	return d
}

// Close stops the control-queue worker.
func (d *Device) Close() {
	close(d.notifyC)
}

// Journal returns a copy of every register write so far, in order.
func (d *Device) Journal() []RegWrite {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]RegWrite(nil), d.journal...)
}

// Display returns a copy of the most recently flushed frame, or nil if
// nothing has been flushed.
func (d *Device) Display() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]byte(nil), d.display...)
}

// Commands returns the control command types executed so far, in order.
func (d *Device) Commands() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]uint32(nil), d.commands...)
}

// MaxQueued returns the largest number of unserviced chains ever observed
// at a doorbell write. A driver that serializes its commands never exceeds 1.
func (d *Device) MaxQueued() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return int(d.maxQueued)
}

// RespondWith changes the response override at runtime. 0 restores normal
// responses.
func (d *Device) RespondWith(code uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.respondWith = code
}

// Gate installs a completion gate: the worker receives from ch before
// completing each chain, letting a test hold a command in flight. A nil or
// closed channel removes the hold.
func (d *Device) Gate(ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gate = ch
}

// HandleMMIO implements mmio.Handler.
func (d *Device) HandleMMIO(off int, p []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if isWrite {
		d.journal = append(d.journal, RegWrite{Off: off, Val: le.Uint32(p)})
		return d.writeReg(off, le.Uint32(p))
	}

	return d.readReg(off, p)
}

func (d *Device) readReg(off int, p []byte) error {
	switch off {
	case mmio.RegMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case mmio.RegVersion:
		le.PutUint32(p, virtio.Version)

	case mmio.RegDeviceID:
		le.PutUint32(p, d.deviceID())

	case mmio.RegVendorID:
		le.PutUint32(p, 0xffff)

	case mmio.RegDeviceFeatures:
		le.PutUint32(p, uint32((gpuFVirgl|gpuFEdid)>>(32*d.deviceFeaturesSel)))

	case mmio.RegQueueNumMax:
		le.PutUint32(p, d.queueNumMax())

	case mmio.RegQueueReady:
		le.PutUint32(p, d.selectedQueue().Ready)

	case mmio.RegInterruptStatus:
		le.PutUint32(p, d.intStatus)

	case mmio.RegStatus:
		le.PutUint32(p, d.status)

	case mmio.RegConfigGeneration:
		le.PutUint32(p, d.version)

	default:
		panic(fmt.Sprintf("sim: read of unhandled register %#x", off))
	}

	return nil
}

func (d *Device) writeReg(off int, v uint32) error {
	switch off {
	case mmio.RegDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(v)

	case mmio.RegDriverFeatures:
		return d.writeDriverFeatures(v)

	case mmio.RegDriverFeaturesSel:
		return d.writeDriverFeaturesSel(v)

	case mmio.RegQueueSel:
		return d.writeQueueSel(v)

	case mmio.RegQueueNum:
		return d.writeQueueNum(v)

	case mmio.RegQueueReady:
		return d.writeQueueReady(v)

	case mmio.RegQueueNotify:
		return d.writeQueueNotify(v)

	case mmio.RegInterruptAck:
		return d.writeInterruptAck(v)

	case mmio.RegStatus:
		return d.writeStatus(v)

	case mmio.RegQueueDescLow:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, v, 0)

	case mmio.RegQueueDescHigh:
		return d.writeQueueAddr(&d.selectedQueue().DescAddr, v, 32)

	case mmio.RegQueueDriverLow:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, v, 0)

	case mmio.RegQueueDriverHigh:
		return d.writeQueueAddr(&d.selectedQueue().DriverAddr, v, 32)

	case mmio.RegQueueDeviceLow:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, v, 0)

	case mmio.RegQueueDeviceHigh:
		return d.writeQueueAddr(&d.selectedQueue().DeviceAddr, v, 32)

	default:
		panic(fmt.Sprintf("sim: write of unhandled register %#x", off))
	}
}

func (d *Device) writeStatus(v uint32) error {
	if v == 0 {
		// reset
		d.status = 0
		d.deviceFeaturesSel = 0
		d.driverFeaturesSel = 0
		d.driverFeatures = 0
		d.queueSel = 0
		d.queues = [numQueues]queueState{}
		d.intStatus = 0
		return nil
	}

	if v&virtio.StatusNeedsReset > 0 || v < d.status {
		panic("sim: bad status")
	}

	d.status = v
	d.version++

	if v&virtio.StatusFailed > 0 {
		panic("sim: driver failed")
	}

	return nil
}

func (d *Device) writeDeviceFeaturesSel(v uint32) error {
	if d.status != negotiatingFeatures {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.deviceFeaturesSel = v
	return nil
}

func (d *Device) writeDriverFeaturesSel(v uint32) error {
	if d.status != negotiatingFeatures {
		return unix.EPERM
	}

	if v > 1 {
		return unix.EINVAL
	}

	d.driverFeaturesSel = v
	return nil
}

func (d *Device) writeDriverFeatures(v uint32) error {
	if d.status != negotiatingFeatures {
		return unix.EPERM
	}

	d.driverFeatures |= uint64(v) << (32 * d.driverFeaturesSel)

	if d.driverFeatures&^(gpuFVirgl|gpuFEdid) != 0 {
		return unix.EINVAL
	}

	return nil
}

func (d *Device) writeQueueSel(v uint32) error {
	if d.status != configuringQueues {
		return unix.EPERM
	}

	if v >= numQueues {
		return unix.EINVAL
	}

	d.queueSel = v
	return nil
}

func (d *Device) writeQueueNum(v uint32) error {
	if d.status != configuringQueues {
		return unix.EPERM
	}

	if v == 0 || v > d.queueNumMax() {
		return unix.EINVAL
	}

	d.selectedQueue().NumDesc = v
	return nil
}

func (d *Device) writeQueueAddr(field *uint64, v uint32, shift int) error {
	if d.status != configuringQueues || d.selectedQueue().Ready == 1 {
		return unix.EPERM
	}

	*field |= uint64(v) << shift
	return nil
}

func (d *Device) writeQueueReady(v uint32) error {
	if d.status != configuringQueues {
		return unix.EPERM
	}

	if v != 1 {
		return unix.EINVAL
	}

	qs := d.selectedQueue()
	if qs.Ready == 1 {
		return unix.EPERM
	}

	if qs.NumDesc != virtq.Num {
		// the rings are viewed at the fixed depth; anything else is a
		// driver this model can't serve
		return unix.EINVAL
	}

	descP, err := d.cfg.MemAt(qs.DescAddr, virtq.Num*16)
	if err != nil {
		return err
	}

	availP, err := d.cfg.MemAt(qs.DriverAddr, 4+2*virtq.Num)
	if err != nil {
		return err
	}

	usedP, err := d.cfg.MemAt(qs.DeviceAddr, 4+8*virtq.Num)
	if err != nil {
		return err
	}

	qs.desc = virtq.DescTable(descP)
	qs.avail = virtq.AvailView(availP)
	qs.used = virtq.UsedView(usedP)

	qs.Ready = 1
	d.version++

	return nil
}

func (d *Device) writeQueueNotify(v uint32) error {
	if d.status != operatingNormally {
		return unix.EPERM
	}

	if v >= numQueues || d.queues[v].Ready != 1 {
		return unix.EPERM
	}

	// cursor queue events are ignored; only the control queue is modeled
	if v != 0 {
		return nil
	}

	// snapshot the published index here, on the driver's side of the
	// doorbell, so the worker never races the driver's ring writes
	d.queues[0].pending = d.queues[0].avail.Idx

	if q := d.queues[0].pending - d.queues[0].lastAvail; q > d.maxQueued {
		d.maxQueued = q
	}

	select {
	case d.notifyC <- struct{}{}:
	default:
	}

	return nil
}

func (d *Device) writeInterruptAck(v uint32) error {
	if d.status != operatingNormally {
		return unix.EPERM
	}

	d.intStatus &^= v
	return nil
}

func (d *Device) deviceID() uint32 {
	if d.cfg.DeviceID != 0 {
		return d.cfg.DeviceID
	}

	return uint32(virtio.GPUDeviceID)
}

func (d *Device) queueNumMax() uint32 {
	if d.cfg.QueueNumMax != 0 {
		return d.cfg.QueueNumMax
	}

	return 64
}

func (d *Device) selectedQueue() *queueState {
	return &d.queues[d.queueSel]
}

// run is the control-queue worker. Each doorbell write wakes it; it walks
// the chains published before that doorbell, executes them, and completes
// them in order.
func (d *Device) run() {
	for range d.notifyC {
		d.processControl()
	}
}

func (d *Device) processControl() {
	d.mu.Lock()
	q := &d.queues[0]
	pending := q.pending
	d.mu.Unlock()

	for q.lastAvail != pending {
		head := q.avail.Ring[q.lastAvail%virtq.Num]
		n := d.execChain(q, head)

		d.mu.Lock()
		q.lastAvail++
		q.used.Ring[q.used.Idx%virtq.Num] = virtq.UsedElem{ID: uint32(head), Len: n}
		q.used.Idx += 1
		d.intStatus |= mmio.IntStatusUsedBuffer
		d.mu.Unlock()

		d.cfg.Notify()
	}
}

// execChain runs one command chain and writes its response. It returns the
// number of bytes written into the device-writable descriptor.
func (d *Device) execChain(q *queueState, head uint16) uint32 {
	var chain []virtq.D

	for i := head; ; {
		dd := q.desc[i]
		chain = append(chain, dd)

		if dd.Flags&virtq.DescFNext == 0 {
			break
		}

		i = dd.Next
	}

	if len(chain) != 2 {
		panic(fmt.Sprintf("sim: chain of %d descriptors", len(chain)))
	}

	if chain[0].Flags&virtq.DescFWrite != 0 {
		panic("sim: request descriptor is device-writable")
	}

	if chain[1].Flags&virtq.DescFWrite == 0 {
		panic("sim: response descriptor is not device-writable")
	}

	req, err := d.cfg.MemAt(chain[0].Addr, int(chain[0].Len))
	if err != nil {
		panic(fmt.Sprintf("sim: request buffer: %v", err))
	}

	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}

	resp := d.exec(req)

	d.mu.Lock()
	if d.respondWith != 0 {
		resp = d.respondWith
	}
	d.mu.Unlock()

	out, err := d.cfg.MemAt(chain[1].Addr, int(chain[1].Len))
	if err != nil {
		panic(fmt.Sprintf("sim: response buffer: %v", err))
	}

	hdr := new(bytes.Buffer)
	if err := binary.Write(hdr, le, gpu.CtrlHdr{Type: resp}); err != nil {
		panic(err)
	}

	return uint32(copy(out, hdr.Bytes()))
}

// exec decodes and executes one control command against the device model.
func (d *Device) exec(p []byte) (resp uint32) {
	if len(p) < 24 {
		return gpu.RespErrInvalidParameter
	}

	typ := le.Uint32(p)
	d.log.Debug("gpu command", "type", fmt.Sprintf("%#04x", typ))

	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands = append(d.commands, typ)

	switch typ {
	case gpu.CmdResourceCreate2D:
		var req gpu.ResourceCreate2D
		if err := binary.Read(bytes.NewReader(p), le, &req); err != nil {
			return gpu.RespErrInvalidParameter
		}

		if req.ResourceID == 0 {
			return gpu.RespErrInvalidResourceID
		}

		d.resources[req.ResourceID] = &resource{
			id:     req.ResourceID,
			format: req.Format,
			width:  req.Width,
			height: req.Height,
			data:   make([]byte, req.Width*req.Height*4),
		}

	case gpu.CmdResourceAttachBacking:
		var req gpu.AttachBackingSingle
		if err := binary.Read(bytes.NewReader(p), le, &req); err != nil {
			return gpu.RespErrInvalidParameter
		}

		if req.NrEntries != 1 {
			return gpu.RespErrInvalidParameter
		}

		res, ok := d.resources[req.ResourceID]
		if !ok {
			return gpu.RespErrInvalidResourceID
		}

		res.backingAddr = req.Entry.Addr
		res.backingLen = req.Entry.Length

	case gpu.CmdSetScanout:
		var req gpu.SetScanout
		if err := binary.Read(bytes.NewReader(p), le, &req); err != nil {
			return gpu.RespErrInvalidParameter
		}

		if req.ScanoutID != 0 {
			return gpu.RespErrInvalidScanoutID
		}

		if _, ok := d.resources[req.ResourceID]; !ok && req.ResourceID != 0 {
			return gpu.RespErrInvalidResourceID
		}

		d.scanout = scanoutState{resourceID: req.ResourceID, r: req.R}

	case gpu.CmdTransferToHost2D:
		var req gpu.TransferToHost2D
		if err := binary.Read(bytes.NewReader(p), le, &req); err != nil {
			return gpu.RespErrInvalidParameter
		}

		return d.transfer(&req)

	case gpu.CmdResourceFlush:
		var req gpu.ResourceFlush
		if err := binary.Read(bytes.NewReader(p), le, &req); err != nil {
			return gpu.RespErrInvalidParameter
		}

		return d.flush(&req)

	default:
		return gpu.RespErrUnspec
	}

	return gpu.RespOKNoData
}

// transfer copies the requested rect from the guest backing into the
// device-side resource image.
func (d *Device) transfer(req *gpu.TransferToHost2D) uint32 {
	res, ok := d.resources[req.ResourceID]
	if !ok {
		return gpu.RespErrInvalidResourceID
	}

	if res.backingLen == 0 {
		return gpu.RespErrUnspec
	}

	backing, err := d.cfg.MemAt(res.backingAddr, int(res.backingLen))
	if err != nil {
		return gpu.RespErrUnspec
	}

	r := req.R
	if r.X+r.Width > res.width || r.Y+r.Height > res.height {
		return gpu.RespErrInvalidParameter
	}

	stride := int(res.width) * 4
	for y := 0; y < int(r.Height); y++ {
		dst := (int(r.Y)+y)*stride + int(r.X)*4
		src := int(req.Offset) + y*stride
		copy(res.data[dst:dst+int(r.Width)*4], backing[src:])
	}

	return gpu.RespOKNoData
}

// flush publishes the scanout resource's image as the current display frame.
func (d *Device) flush(req *gpu.ResourceFlush) uint32 {
	if req.ResourceID != d.scanout.resourceID {
		return gpu.RespErrInvalidResourceID
	}

	res, ok := d.resources[req.ResourceID]
	if !ok {
		return gpu.RespErrInvalidResourceID
	}

	d.display = append(d.display[:0], res.data...)
	return gpu.RespOKNoData
}
