// Package trap models the interrupt controller: devices raise IRQ lines and
// the kernel routes each line to a registered service routine. Lines can be
// masked globally; IRQs raised while masked latch and are delivered on the
// unmasking call, which is the shape the driver's enable-then-spin wait
// depends on.
package trap

import (
	"fmt"
	"sync"
)

// Table routes IRQ lines to handlers.
type Table struct {
	mu       sync.Mutex
	enabled  bool
	handlers map[int]func()
	pending  map[int]bool
}

// NewTable returns a table with interrupts masked.
func NewTable() *Table {
	return &Table{
		handlers: make(map[int]func()),
		pending:  make(map[int]bool),
	}
}

// Register installs the service routine for an IRQ line.
// Registering a line twice is a kernel bug.
func (t *Table) Register(irq int, h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[irq]; ok {
		panic(fmt.Sprintf("trap: irq %d registered twice", irq))
	}

	t.handlers[irq] = h
}

// Raise asserts an IRQ line. If interrupts are enabled the handler runs
// asynchronously; otherwise the line latches until Enable.
func (t *Table) Raise(irq int) {
	t.mu.Lock()

	h, ok := t.handlers[irq]
	if !ok {
		t.mu.Unlock()
		panic(fmt.Sprintf("trap: unexpected irq %d", irq))
	}

	if !t.enabled {
		t.pending[irq] = true
		t.mu.Unlock()
		return
	}

	t.mu.Unlock()
	go h()
}

// Enable unmasks interrupts and delivers any latched lines on the calling
// goroutine, like a device trap taken right after sti.
func (t *Table) Enable() {
	t.mu.Lock()

	t.enabled = true

	var run []func()
	for irq := range t.pending {
		delete(t.pending, irq)
		run = append(run, t.handlers[irq])
	}

	t.mu.Unlock()

	for _, h := range run {
		h()
	}
}

// Disable masks interrupts. Raised lines latch until the next Enable.
func (t *Table) Disable() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = false
}

// Enabled reports whether interrupts are unmasked.
func (t *Table) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.enabled
}
