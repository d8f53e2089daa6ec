package vm

// ramOffset bounds-checks [addr, addr+size) against the RAM region and
// returns the host offset. Failure must never have side effects: callers
// translate it into a guest-visible DMA fault, not a crash.
func (m *Machine) ramOffset(addr, size uint64) (uint64, bool) {
	if addr < m.memBase {
		return 0, false
	}
	off := addr - m.memBase
	if size > m.memSize || off > m.memSize-size {
		return 0, false
	}
	return off, true
}

// ReadRAM copies len(dst) bytes of guest RAM at addr into dst.
func (m *Machine) ReadRAM(dst []byte, addr uint64) bool {
	off, ok := m.ramOffset(addr, uint64(len(dst)))
	if !ok {
		return false
	}
	copy(dst, m.mem[off:])
	return true
}

// WriteRAM copies src into guest RAM at addr and marks the affected pages
// dirty so cached translations covering them are invalidated.
//
// RAM contents are intentionally writable without locking: byte ranges are
// not required to update atomically, only the bounds bookkeeping is
// protected (it is immutable after creation).
func (m *Machine) WriteRAM(addr uint64, src []byte) bool {
	off, ok := m.ramOffset(addr, uint64(len(src)))
	if !ok {
		return false
	}
	copy(m.mem[off:], src)
	m.markDirty(addr, uint64(len(src)))
	return true
}

// DMAPtr returns a host slice aliasing guest RAM at [addr, addr+size) for
// zero-copy device DMA, or nil when out of range. The range is marked dirty
// up front: the caller may write through the slice without another call into
// the machine.
func (m *Machine) DMAPtr(addr, size uint64) []byte {
	off, ok := m.ramOffset(addr, size)
	if !ok || size == 0 {
		return nil
	}
	m.markDirty(addr, size)
	return m.mem[off : off+size : off+size]
}

// FlushICache tells every hart that guest memory in [addr, addr+size) no
// longer matches what was translated from it. Devices call this after
// modifying code regions behind the guest's back.
func (m *Machine) FlushICache(addr, size uint64) {
	m.markDirty(addr, size)
	for _, h := range m.harts {
		h.FlushTLB()
	}
}

func (m *Machine) markDirty(addr, size uint64) {
	for _, h := range m.harts {
		if c := h.Cache(); c != nil {
			c.MarkDirty(addr, size)
		}
	}
}
