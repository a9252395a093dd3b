package mem_test

import (
	"errors"
	"testing"

	"github.com/drewdorris/xv6-d00m/kernel/mem"
)

func TestAlloc(t *testing.T) {
	a := mem.NewArena(4 * mem.PageSize)

	addr, p, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	if addr != mem.KernBase {
		t.Errorf("addr = %#x, want %#x", addr, mem.KernBase)
	}

	if len(p) != mem.PageSize {
		t.Errorf("len = %d", len(p))
	}

	for i, b := range p {
		if b != 0 {
			t.Fatalf("page not zeroed at %d", i)
		}
	}

	addr2, p2, err := a.AllocPages(2)
	if err != nil {
		t.Fatal(err)
	}

	if addr2 != mem.KernBase+mem.PageSize {
		t.Errorf("addr2 = %#x", addr2)
	}

	if addr2%mem.PageSize != 0 {
		t.Errorf("addr2 not page-aligned")
	}

	if len(p2) != 2*mem.PageSize {
		t.Errorf("len = %d", len(p2))
	}

	if _, _, err := a.AllocPages(2); !errors.Is(err, mem.ErrNoMem) {
		t.Errorf("err = %v, want ErrNoMem", err)
	}
}

func TestAt(t *testing.T) {
	a := mem.NewArena(2 * mem.PageSize)

	addr, p, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}

	p[5] = 0xaa

	view, err := a.At(addr, 16)
	if err != nil {
		t.Fatal(err)
	}

	if view[5] != 0xaa {
		t.Error("view does not alias the page")
	}

	if _, err := a.At(addr-1, 4); err == nil {
		t.Error("no error below base")
	}

	if _, err := a.At(addr, 3*mem.PageSize); err == nil {
		t.Error("no error past end")
	}
}

func TestRounding(t *testing.T) {
	a := mem.NewArena(1)
	if a.Size() != mem.PageSize {
		t.Errorf("size = %d", a.Size())
	}
}
