// Package jit implements the per-hart translated-code cache and block linker.
//
// A cache owns one executable heap. Translation backends stage machine code
// for one guest block at a time, then commit it under the block's guest
// physical PC. Committed blocks can branch to each other directly: a block
// emits 8-byte absolute-address link slots for its targets, and the cache
// patches those slots in place as the targets become available.
//
// All cache state is private to the owning hart and needs no locking. The
// only cross-thread entry point is MarkDirty, which other harts and DMA-capable
// devices reach; it touches nothing but the page tracker's atomics.
package jit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/LekKit/RVVM-sub000/internal/xmem"
)

var (
	// ErrCacheFull is returned by BlockCommit when the heap cannot hold the
	// staged block. The caller flushes and retries, or interprets.
	ErrCacheFull = errors.New("jit: code heap full")
)

const (
	// Each link site is an 8-byte slot holding the absolute executable
	// address of its target block, or zero while the target is untranslated.
	linkSlotSize = 8

	// Flushing a heap that grew past this hints the OS to drop its physical
	// backing, bounding resident memory over long guest runtimes.
	releaseThreshold = 4 << 20
)

type linkSite struct {
	codeOff int // offset of the slot in the committed heap
}

type stagedLink struct {
	target   uint64 // guest physical PC of the branch target
	stageOff int    // offset of the slot in the staging buffer
}

// Cache is one hart's translated-code heap and block index.
type Cache struct {
	arena   *xmem.Arena
	cursor  int
	blocks  map[uint64]int        // guest physical PC -> heap offset
	links   map[uint64][]linkSite // untranslated PC -> slots waiting for it
	tracker *PageTracker

	staging    []byte
	stageLinks []stagedLink
}

// NewCache reserves a code heap of heapSize bytes and sizes dirty-page
// tracking for guestMemSize bytes of guest RAM. disableRWX forces the W^X
// dual-mapping strategy for the heap.
func NewCache(heapSize int, guestMemSize uint64, disableRWX bool) (*Cache, error) {
	arena, err := xmem.New(heapSize, disableRWX)
	if err != nil {
		return nil, fmt.Errorf("jit: reserve code heap: %w", err)
	}
	return &Cache{
		arena:   arena,
		blocks:  make(map[uint64]int),
		links:   make(map[uint64][]linkSite),
		tracker: NewPageTracker(guestMemSize),
	}, nil
}

// Size returns the heap capacity in bytes.
func (c *Cache) Size() int { return c.arena.Size() }

// Used returns the committed heap bytes. Replaced translations stay counted
// until the next Flush.
func (c *Cache) Used() int { return c.cursor }

// BlockBegin resets the staging buffer. It must be called before emitting a
// new translation unit.
func (c *Cache) BlockBegin() {
	c.staging = c.staging[:0]
	c.stageLinks = c.stageLinks[:0]
}

// Emit appends raw machine code to the staged block and returns its offset
// within the block.
func (c *Cache) Emit(code []byte) int {
	off := len(c.staging)
	c.staging = append(c.staging, code...)
	return off
}

// EmitLink emits a link slot for a direct branch to the block translated from
// target, returning its offset within the staged block. The slot holds zero
// until the target commits; emitted code must treat a zero slot as "take the
// slow path through Lookup".
func (c *Cache) EmitLink(target uint64) int {
	off := len(c.staging)
	var zero [linkSlotSize]byte
	c.staging = append(c.staging, zero[:]...)
	c.stageLinks = append(c.stageLinks, stagedLink{target: target, stageOff: off})
	return off
}

// BlockCommit copies the staged block into the heap and publishes it for pc,
// returning the executable entry pointer. Committing a second translation for
// the same pc replaces the index entry; the old bytes stay in the heap as
// waste until the next Flush.
//
// Commit also resolves linking in both directions: the staged block's link
// slots are filled for targets already translated, and blocks that were
// waiting to branch to pc are patched to the new entry.
func (c *Cache) BlockCommit(pc uint64) (uintptr, error) {
	size := len(c.staging)
	if size == 0 {
		return 0, fmt.Errorf("jit: commit of empty block for pc 0x%x", pc)
	}
	if c.cursor+size > c.arena.Size() {
		return 0, ErrCacheFull
	}

	base := c.cursor
	copy(c.arena.Writable()[base:], c.staging)

	for _, l := range c.stageLinks {
		site := linkSite{codeOff: base + l.stageOff}
		if targetOff, ok := c.blocks[l.target]; ok {
			c.patch(site, targetOff)
		} else {
			c.links[l.target] = append(c.links[l.target], site)
		}
	}

	c.cursor += size
	c.arena.FlushICache(base, size)
	c.blocks[pc] = base
	c.tracker.MarkJited(pc)

	if waiting := c.links[pc]; len(waiting) > 0 {
		for _, site := range waiting {
			c.patch(site, base)
		}
		delete(c.links, pc)
	}

	return c.arena.ExecBase() + uintptr(base), nil
}

func (c *Cache) patch(site linkSite, targetOff int) {
	w := c.arena.Writable()
	binary.LittleEndian.PutUint64(w[site.codeOff:], uint64(c.arena.ExecBase())+uint64(targetOff))
	c.arena.FlushICache(site.codeOff, linkSlotSize)
}

// Lookup returns the executable entry pointer for pc, or zero when no valid
// translation exists. A page written since translation evicts every block and
// pending link on that page before reporting the miss, forcing retranslation.
func (c *Cache) Lookup(pc uint64) uintptr {
	if c.tracker.ConsumeDirty(pc) {
		c.evictPage(pc &^ uint64(pageMask))
		return 0
	}
	off, ok := c.blocks[pc]
	if !ok {
		return 0
	}
	return c.arena.ExecBase() + uintptr(off)
}

func (c *Cache) evictPage(page uint64) {
	for pc := range c.blocks {
		if pc&^uint64(pageMask) == page {
			delete(c.blocks, pc)
		}
	}
	for pc := range c.links {
		if pc&^uint64(pageMask) == page {
			delete(c.links, pc)
		}
	}
}

// MarkDirty records guest writes to [addr, addr+size). Safe to call from any
// thread.
func (c *Cache) MarkDirty(addr, size uint64) {
	c.tracker.MarkDirty(addr, size)
}

// Flush drops every translation and resets the heap cursor to zero. This is
// the only wholesale eviction; there is no incremental reclaim beyond the
// per-page invalidation in Lookup.
func (c *Cache) Flush() {
	if c.cursor > releaseThreshold {
		c.arena.ReleaseHint()
	}
	c.arena.FlushICache(0, c.cursor)
	clear(c.blocks)
	clear(c.links)
	c.cursor = 0
	c.tracker.Reset()
}

// Close releases the heap mappings. The cache must not be used afterwards.
func (c *Cache) Close() error {
	c.blocks = nil
	c.links = nil
	c.staging = nil
	c.stageLinks = nil
	return c.arena.Close()
}
