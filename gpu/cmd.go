package gpu

import (
	"encoding/binary"
	"unsafe"
)

// Command builders. Each fills its static request buffer and fires it through
// the submission engine. The init variants run on the boot thread and spin;
// Transfer and Flush are the syscall variants and sleep.

// createResource creates the device-side 2D resource.
func (d *Driver) createResource() {
	d.mu.Lock()
	d.assertDormant()
	d.inflight.Store(1)

	// fill the framebuffer with a gradient so early bugs are visible
	d.paintTestPattern()

	q := d.req.create
	*q = ResourceCreate2D{}
	q.Hdr.Type = CmdResourceCreate2D
	q.ResourceID = ResourceID
	q.Format = FormatB8G8R8A8Unorm
	q.Width = FBWidth
	q.Height = FBHeight

	d.fireAndSpin(d.req.createAddr, uint32(unsafe.Sizeof(*q)))
	d.log.Debug("create_device_fb done")
}

// attachBacking points the resource at the framebuffer memory.
func (d *Driver) attachBacking() {
	d.mu.Lock()
	d.assertDormant()
	d.inflight.Store(1)

	q := d.req.attach
	*q = AttachBackingSingle{}
	q.Hdr.Type = CmdResourceAttachBacking
	q.ResourceID = ResourceID
	q.NrEntries = 1 // always 1: the framebuffer is one contiguous range
	q.Entry.Addr = d.fbAddr
	q.Entry.Length = FBBytes

	d.fireAndSpin(d.req.attachAddr, uint32(unsafe.Sizeof(*q)))
	d.log.Debug("attach_fb done")
}

// setScanout binds the resource to scanout 0.
func (d *Driver) setScanout() {
	d.mu.Lock()
	d.assertDormant()
	d.inflight.Store(1)

	q := d.req.scanout
	*q = SetScanout{}
	q.Hdr.Type = CmdSetScanout
	q.ScanoutID = 0 // the only screen
	q.ResourceID = ResourceID
	q.R = Rect{Width: FBWidth, Height: FBHeight}

	d.fireAndSpin(d.req.scanoutAddr, uint32(unsafe.Sizeof(*q)))
	d.log.Debug("config_scanout done")
}

func (d *Driver) fillTransfer() {
	q := d.req.transfer
	*q = TransferToHost2D{}
	q.Hdr.Type = CmdTransferToHost2D
	q.ResourceID = ResourceID
	q.R = Rect{Width: FBWidth, Height: FBHeight}
	// whole-framebuffer transfer, so no offset
}

func (d *Driver) fillFlush() {
	q := d.req.flush
	*q = ResourceFlush{}
	q.Hdr.Type = CmdResourceFlush
	q.ResourceID = ResourceID
	q.R = Rect{Width: FBWidth, Height: FBHeight}
}

// transferInit uploads the framebuffer during bring-up.
func (d *Driver) transferInit() {
	d.mu.Lock()
	d.assertDormant()
	d.inflight.Store(1)
	d.fillTransfer()
	d.fireAndSpin(d.req.transferAddr, uint32(unsafe.Sizeof(*d.req.transfer)))
	d.log.Debug("transfer_fb done")
}

// flushInit makes the uploaded frame visible during bring-up.
func (d *Driver) flushInit() {
	d.mu.Lock()
	d.assertDormant()
	d.inflight.Store(1)
	d.fillFlush()
	d.fireAndSpin(d.req.flushAddr, uint32(unsafe.Sizeof(*d.req.flush)))
	d.log.Debug("resource_flush done")
}

// Transfer uploads the framebuffer to the device resource. It blocks the
// calling process until the device completes. Syscall path only.
func (d *Driver) Transfer() {
	d.mu.Lock()
	d.sleepUntilDormant()
	d.inflight.Store(1)
	d.fillTransfer()
	d.fireAndSleep(d.req.transferAddr, uint32(unsafe.Sizeof(*d.req.transfer)))
}

// Flush redraws the scanout from the device resource. It blocks the calling
// process until the device completes. Syscall path only.
func (d *Driver) Flush() {
	d.mu.Lock()
	d.sleepUntilDormant()
	d.inflight.Store(1)
	d.fillFlush()
	d.fireAndSleep(d.req.flushAddr, uint32(unsafe.Sizeof(*d.req.flush)))
}

// paintTestPattern writes the boot gradient: blue everywhere, green rising
// with x, red rising with y. BGRA, little-endian.
func (d *Driver) paintTestPattern() {
	for i := 0; i < FBWidth*FBHeight; i++ {
		x := uint32(i % FBWidth)
		y := uint32(i / FBWidth)
		px := 0x000000FF | (x&0xFF)<<8 | (y&0xFF)<<16
		binary.LittleEndian.PutUint32(d.fb[i*4:], px)
	}
}
