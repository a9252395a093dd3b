package gpu_test

import (
	"testing"
	"time"

	"github.com/drewdorris/xv6-d00m/virtio/mmio"
	"golang.org/x/sync/errgroup"
)

// The in-flight flag must be set from notify until the ISR validates the
// completion, and the caller must sleep for that whole window.
func TestInflightWindow(t *testing.T) {
	r := newRig(t, nil)
	r.boot(t)

	gate := make(chan struct{})
	r.dev.Gate(gate)

	done := make(chan struct{})
	go func() {
		r.drv.Transfer()
		close(done)
	}()

	// the command is published but held by the device
	waitFor(t, func() bool { return r.drv.Busy() })

	select {
	case <-done:
		t.Fatal("caller returned while command in flight")
	case <-time.After(10 * time.Millisecond):
	}

	// let the device complete it
	gate <- struct{}{}
	r.dev.Gate(nil)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("caller never woke")
	}

	if r.drv.Busy() {
		t.Error("in-flight set after completion")
	}

	_, avail, used := r.rings(t)

	if avail.Idx != 6 {
		t.Errorf("avail.idx = %d, want 6", avail.Idx)
	}

	if used.Idx != 6 {
		t.Errorf("used.idx = %d, want 6", used.Idx)
	}

	r.wantNoHalt(t)
}

// Two processes hammering transfer and flush must never give the device a
// second chain before the first one's completion is written.
func TestSerialized(t *testing.T) {
	r := newRig(t, nil)
	r.boot(t)

	const iters = 20

	var g errgroup.Group

	g.Go(func() error {
		for i := 0; i < iters; i++ {
			r.drv.Transfer()
		}

		return nil
	})

	g.Go(func() error {
		for i := 0; i < iters; i++ {
			r.drv.Flush()
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if q := r.dev.MaxQueued(); q > 1 {
		t.Errorf("device saw %d queued chains at one doorbell", q)
	}

	if got := len(r.dev.Commands()); got != 5+2*iters {
		t.Errorf("%d commands executed, want %d", got, 5+2*iters)
	}

	_, avail, used := r.rings(t)

	if avail.Idx != used.Idx {
		t.Errorf("avail.idx = %d, used.idx = %d", avail.Idx, used.Idx)
	}

	r.wantNoHalt(t)
}

// A spurious interrupt acks and returns without touching the in-flight flag.
func TestSpuriousISR(t *testing.T) {
	r := newRig(t, nil)
	r.boot(t)

	before := len(writesTo(r.dev.Journal(), mmio.RegInterruptAck))

	r.drv.HandleIRQ()

	if r.drv.Busy() {
		t.Error("spurious ISR set in-flight")
	}

	after := len(writesTo(r.dev.Journal(), mmio.RegInterruptAck))
	if after != before+1 {
		t.Errorf("%d ack writes, want %d", after, before+1)
	}

	r.wantNoHalt(t)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}

		time.Sleep(time.Millisecond)
	}
}
