package jit

import "sync/atomic"

const (
	pageShift      = 12
	pageMask       = (1 << pageShift) - 1
	pagesPerBucket = 32

	// One tracked page slot per 128 KiB of guest RAM. The bitmap footprint is
	// a fixed ratio of guest RAM instead of one bit per page, so tracking
	// overhead stays O(1) relative to RAM size at the cost of distant pages
	// sharing a slot.
	trackerRatioShift = 17
)

// PageTracker keeps two parallel per-page bitmaps over guest physical memory:
// "jited" marks pages holding translated code, "dirty" marks jited pages that
// were written afterwards. Slot sharing only ever causes a spurious flush,
// never a missed one for the page being tracked.
//
// Updates are racy on purpose. Harts and devices publish writes with plain
// atomic bit ops and readers may observe them late; a stale read costs one
// extra retranslation and nothing else. Do not strengthen the ordering here.
type PageTracker struct {
	jited []atomic.Uint32
	dirty []atomic.Uint32
	slots uint64
}

// NewPageTracker sizes the bitmaps for guestMemSize bytes of RAM.
func NewPageTracker(guestMemSize uint64) *PageTracker {
	buckets := (guestMemSize + (1 << trackerRatioShift) - 1) >> trackerRatioShift
	if buckets == 0 {
		buckets = 1
	}
	return &PageTracker{
		jited: make([]atomic.Uint32, buckets),
		dirty: make([]atomic.Uint32, buckets),
		slots: buckets * pagesPerBucket,
	}
}

func (t *PageTracker) slot(addr uint64) (int, uint32) {
	page := (addr >> pageShift) % t.slots
	return int(page / pagesPerBucket), uint32(1) << (page % pagesPerBucket)
}

// MarkJited records that the page containing addr now holds translated code.
func (t *PageTracker) MarkJited(addr uint64) {
	i, m := t.slot(addr)
	t.jited[i].Or(m)
}

// MarkDirty flags every jited page touched by [addr, addr+size) as dirty and
// drops its jited bit. Pages that never held translations are skipped, and a
// page already flagged dirty is not reprocessed.
func (t *PageTracker) MarkDirty(addr, size uint64) {
	if size == 0 {
		return
	}
	first := addr >> pageShift
	last := (addr + size - 1) >> pageShift
	for p := first; p <= last; p++ {
		slot := p % t.slots
		i := int(slot / pagesPerBucket)
		m := uint32(1) << (slot % pagesPerBucket)
		if t.jited[i].Load()&m != 0 {
			t.jited[i].And(^m)
			t.dirty[i].Or(m)
		}
	}
}

// ConsumeDirty reports whether the page containing addr was written since it
// was last translated, clearing the dirty flag in the process.
func (t *PageTracker) ConsumeDirty(addr uint64) bool {
	i, m := t.slot(addr)
	if t.dirty[i].Load()&m == 0 {
		return false
	}
	t.dirty[i].And(^m)
	return true
}

// Reset clears both bitmaps.
func (t *PageTracker) Reset() {
	for i := range t.jited {
		t.jited[i].Store(0)
	}
	for i := range t.dirty {
		t.dirty[i].Store(0)
	}
}
