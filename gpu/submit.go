package gpu

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/drewdorris/xv6-d00m/virtio/mmio"
	"github.com/drewdorris/xv6-d00m/virtio/virtq"
)

// Submission engine. Both entry points run with mu held and inflight already
// set: they bind the two-descriptor chain, publish it, notify the device,
// and wait for the ISR to observe completion. The init variant releases the
// lock and spins with interrupts briefly enabled, because the ISR itself
// takes the lock. The syscall variant sleeps on the condition variable.

// bind writes the request/response descriptor pair. Descriptor 0 is always
// the request, device-read, chained; descriptor 1 is always the response,
// device-write.
func (d *Driver) bind(addr uint64, size uint32) {
	d.desc[reqDesc] = virtq.D{
		Addr:  addr,
		Len:   size,
		Flags: virtq.DescFNext,
		Next:  respDesc,
	}

	// preset the sentinel so a stale response read can't pass validation
	*d.req.resp = CtrlHdr{Type: respSentinel}

	d.desc[respDesc] = virtq.D{
		Addr:  d.req.respAddr,
		Len:   uint32(unsafe.Sizeof(CtrlHdr{})),
		Flags: virtq.DescFWrite,
	}
}

// publish pushes descriptor 0's chain onto the available ring and rings the
// doorbell. The notify store is the ordering point: the device walks the
// ring only after it observes the doorbell write.
func (d *Driver) publish() {
	d.avail.Ring[d.avail.Idx%virtq.Num] = reqDesc
	d.avail.Idx += 1
	d.regs.Store(mmio.RegQueueNotify, controlQueue)
}

// fireAndSpin publishes the chain, drops the lock, and busy-waits with
// interrupts enabled until the ISR clears inflight. Kernel init only: the
// boot thread has nothing to yield to but the ISR needs the lock.
func (d *Driver) fireAndSpin(addr uint64, size uint32) {
	d.bind(addr, size)
	d.publish()
	d.mu.Unlock()

	d.intr.Enable()
	for d.inflight.Load() == 1 {
		runtime.Gosched()
	}
	d.intr.Disable()
}

// fireAndSleep publishes the chain and sleeps the calling process until the
// ISR completes it, then releases the lock. User syscall only.
func (d *Driver) fireAndSleep(addr uint64, size uint32) {
	d.bind(addr, size)
	d.publish()
	d.sleepUntilDormant()
	d.mu.Unlock()
}

// sleepUntilDormant parks the caller until no command is in flight.
// Called with mu held; the wait atomically releases and reacquires it.
func (d *Driver) sleepUntilDormant() {
	for d.inflight.Load() == 1 {
		d.cond.Wait()
	}
}

// assertDormant replaces the dormancy wait on the init path: bring-up is
// single-threaded, so a busy device there is a driver bug. Sleeping is not
// safe that early in boot.
func (d *Driver) assertDormant() {
	if d.inflight.Load() != 0 {
		d.mu.Unlock()
		d.fatal("init command while busy")
	}
}

// HandleIRQ is the interrupt service routine. It acknowledges the interrupt,
// drains the used ring, validates each completion, and wakes the waiter.
// Under the single-in-flight discipline the drain loop runs exactly once per
// interrupt, but it drains any backlog all the same.
func (d *Driver) HandleIRQ() {
	d.mu.Lock()

	st := d.regs.Load(mmio.RegInterruptStatus)
	d.regs.Store(mmio.RegInterruptAck, st&0x3)

	var drained int

	for uint16(d.usedIdx) != d.used.Idx {
		e := d.used.Ring[d.usedIdx%virtq.Num]

		// descriptor 0 is the only head the driver ever publishes
		if e.ID != reqDesc {
			d.mu.Unlock()
			d.fatal(fmt.Sprintf("isr did not get descriptor 0 (got %d)", e.ID))
			return
		}

		// every accepted response is header-only
		if t := d.req.resp.Type; t != RespOKNoData {
			d.log.Error("bad response", "type", t)
			d.mu.Unlock()
			d.fatal("did not get OK_NODATA")
			return
		}

		d.usedIdx += 1
		drained++
	}

	// spurious interrupt: nothing completed, so nothing to wake
	if drained == 0 {
		d.mu.Unlock()
		return
	}

	d.inflight.Store(0)
	d.mu.Unlock()
	d.cond.Broadcast()
}
