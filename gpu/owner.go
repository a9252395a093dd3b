package gpu

// Ownership gate: an at-most-one-process latch over the framebuffer. It is
// advisory here; the syscall layer checks Holds before letting a process
// transfer or flush. pid 0 means no current process and is a kernel bug.

// Acquire grants pid exclusive use of the framebuffer. It reports true if
// pid now owns it, including when it already did, and false when another
// process holds it.
func (d *Driver) Acquire(pid int) bool {
	if pid <= 0 {
		d.fatal("acquire_fb called from null process")
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.owner {
	case pid:
		return true

	case NotOwned:
		d.owner = pid
		return true

	default:
		return false
	}
}

// Release gives up pid's ownership. No-op if pid is not the owner.
func (d *Driver) Release(pid int) {
	if pid <= 0 {
		d.fatal("release_fb called from null process")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner == pid {
		d.owner = NotOwned
	}
}

// Holds reports whether pid owns the framebuffer.
func (d *Driver) Holds(pid int) bool {
	if pid <= 0 {
		d.fatal("holds_fb called from null process")
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.owner == pid
}
