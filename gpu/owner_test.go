package gpu_test

import (
	"testing"

	"golang.org/x/sync/errgroup"
)

// The gate never needs a booted device, only the driver handle.
func TestOwnership(t *testing.T) {
	r := newRig(t, nil)

	if !r.drv.Acquire(7) {
		t.Fatal("first acquire denied")
	}

	if !r.drv.Acquire(7) {
		t.Error("re-acquire by owner denied")
	}

	if r.drv.Acquire(9) {
		t.Error("acquire granted while held by another process")
	}

	if !r.drv.Holds(7) {
		t.Error("owner does not hold")
	}

	if r.drv.Holds(9) {
		t.Error("non-owner holds")
	}

	// release by a non-owner is a no-op
	r.drv.Release(9)

	if !r.drv.Holds(7) {
		t.Error("non-owner release took effect")
	}

	r.drv.Release(7)

	if !r.drv.Acquire(9) {
		t.Error("acquire denied after release")
	}

	r.wantNoHalt(t)
}

// Two processes race on acquire: exactly one wins.
func TestAcquireRace(t *testing.T) {
	r := newRig(t, nil)

	results := make([]bool, 2)

	var g errgroup.Group
	for i, pid := range []int{7, 9} {
		i, pid := i, pid
		g.Go(func() error {
			results[i] = r.drv.Acquire(pid)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if results[0] == results[1] {
		t.Errorf("acquire results %v, want exactly one grant", results)
	}
}

// pid 0 means no current process; that's a kernel bug, not a denial.
func TestNullProcess(t *testing.T) {
	r := newRig(t, nil)

	r.drv.Acquire(0)
	r.wantHalt(t, "null process")

	r.drv.Release(0)
	r.wantHalt(t, "null process")

	r.drv.Holds(0)
	r.wantHalt(t, "null process")
}
