//go:build linux

package jit

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

const testMemSize = 64 << 20

func newTestCache(t *testing.T, heapSize int) *Cache {
	t.Helper()
	c, err := NewCache(heapSize, testMemSize, true)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func commitBlock(t *testing.T, c *Cache, pc uint64, code []byte) uintptr {
	t.Helper()
	c.BlockBegin()
	c.Emit(code)
	ptr, err := c.BlockCommit(pc)
	if err != nil {
		t.Fatalf("commit block for pc 0x%x: %v", pc, err)
	}
	return ptr
}

func TestCommitThenLookup(t *testing.T) {
	c := newTestCache(t, 1<<20)

	pc := uint64(0x8000_0000)
	code := []byte{0x90, 0x90, 0xc3}
	ptr := commitBlock(t, c, pc, code)

	if got := c.Lookup(pc); got != ptr {
		t.Fatalf("lookup returned 0x%x, committed at 0x%x", got, ptr)
	}
	if !bytes.Equal(c.arena.ExecSlice()[:len(code)], code) {
		t.Fatal("committed bytes not visible through executable alias")
	}
	if c.Lookup(pc+4) != 0 {
		t.Fatal("lookup hit for a pc that was never committed")
	}
}

func TestRecommitReplacesEntry(t *testing.T) {
	c := newTestCache(t, 1<<20)

	pc := uint64(0x8000_0000)
	first := commitBlock(t, c, pc, []byte{0x90, 0xc3})
	second := commitBlock(t, c, pc, []byte{0xcc, 0xc3})

	if first == second {
		t.Fatal("second commit reused the first block's address")
	}
	if got := c.Lookup(pc); got != second {
		t.Fatalf("lookup returned 0x%x, want replacement 0x%x", got, second)
	}
	// Old bytes stay in the heap as waste until a flush.
	if c.Used() != 4 {
		t.Fatalf("expected 4 heap bytes used, got %d", c.Used())
	}
}

func TestSelfModificationInvalidates(t *testing.T) {
	c := newTestCache(t, 1<<20)

	pc := uint64(0x8000_0100)
	commitBlock(t, c, pc, []byte{0x90, 0xc3})

	c.MarkDirty(pc&^uint64(pageMask), 0x1000)

	if c.Lookup(pc) != 0 {
		t.Fatal("lookup hit a block whose page was written")
	}

	// Retranslation makes the pc valid again.
	ptr := commitBlock(t, c, pc, []byte{0xcc, 0xc3})
	if got := c.Lookup(pc); got != ptr {
		t.Fatalf("lookup after retranslation returned 0x%x, want 0x%x", got, ptr)
	}
}

func TestDirtyPageEvictsWholePage(t *testing.T) {
	c := newTestCache(t, 1<<20)

	// Two blocks on one page, one on another.
	commitBlock(t, c, 0x8000_0000, []byte{0x90, 0xc3})
	commitBlock(t, c, 0x8000_0800, []byte{0x90, 0xc3})
	other := commitBlock(t, c, 0x8000_1000, []byte{0x90, 0xc3})

	c.MarkDirty(0x8000_0800, 4)

	if c.Lookup(0x8000_0800) != 0 {
		t.Fatal("dirty pc still cached")
	}
	if c.Lookup(0x8000_0000) != 0 {
		t.Fatal("sibling block on the dirty page survived eviction")
	}
	if got := c.Lookup(0x8000_1000); got != other {
		t.Fatal("block on a clean page was evicted")
	}
}

func TestLinkBackPatching(t *testing.T) {
	c := newTestCache(t, 1<<20)

	target := uint64(0x8000_2000)

	// Block A branches to a target that is not translated yet.
	c.BlockBegin()
	c.Emit([]byte{0x90})
	slotOff := c.EmitLink(target)
	aPtr, err := c.BlockCommit(0x8000_0000)
	if err != nil {
		t.Fatalf("commit block A: %v", err)
	}

	w := c.arena.Writable()
	aBase := int(aPtr - c.arena.ExecBase())
	if got := binary.LittleEndian.Uint64(w[aBase+slotOff:]); got != 0 {
		t.Fatalf("unresolved link slot holds 0x%x, want 0", got)
	}

	// Committing the target patches A's slot in place.
	tPtr := commitBlock(t, c, target, []byte{0xcc, 0xc3})
	if got := binary.LittleEndian.Uint64(w[aBase+slotOff:]); got != uint64(tPtr) {
		t.Fatalf("link slot holds 0x%x after target commit, want 0x%x", got, tPtr)
	}

	// A block linking to an already-committed target resolves at commit time.
	c.BlockBegin()
	slotOff = c.EmitLink(target)
	bPtr, err := c.BlockCommit(0x8000_0004)
	if err != nil {
		t.Fatalf("commit block B: %v", err)
	}
	bBase := int(bPtr - c.arena.ExecBase())
	if got := binary.LittleEndian.Uint64(w[bBase+slotOff:]); got != uint64(tPtr) {
		t.Fatalf("eager link slot holds 0x%x, want 0x%x", got, tPtr)
	}
}

func TestDirtyTargetDropsPendingLinks(t *testing.T) {
	c := newTestCache(t, 1<<20)

	target := uint64(0x8000_2000)

	c.BlockBegin()
	c.Emit([]byte{0x90})
	slotOff := c.EmitLink(target)
	aPtr, err := c.BlockCommit(0x8000_0000)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	aBase := int(aPtr - c.arena.ExecBase())

	// Writing the target page while its link is still pending must discard
	// the pending entry: lookups on that page consume the dirty state.
	c.tracker.MarkJited(target)
	c.MarkDirty(target, 4)
	if c.Lookup(target) != 0 {
		t.Fatal("dirty target page reported a translation")
	}

	// The target committing later must not patch through a stale list.
	commitBlock(t, c, target, []byte{0xc3})
	got := binary.LittleEndian.Uint64(c.arena.Writable()[aBase+slotOff:])
	if got != 0 {
		t.Fatalf("link slot patched from an evicted pending list: 0x%x", got)
	}
}

func TestCacheExhaustionAndFlush(t *testing.T) {
	heap := 0x1000
	c := newTestCache(t, heap)

	block := make([]byte, 256)
	for i := range block {
		block[i] = 0x90
	}

	pc := uint64(0x8000_0000)
	n := 0
	for {
		c.BlockBegin()
		c.Emit(block)
		_, err := c.BlockCommit(pc + uint64(n)*4)
		if err != nil {
			if !errors.Is(err, ErrCacheFull) {
				t.Fatalf("unexpected commit error: %v", err)
			}
			break
		}
		n++
		if n > heap/len(block)+1 {
			t.Fatal("cache never reported exhaustion")
		}
	}
	if n != heap/len(block) {
		t.Fatalf("expected %d committed blocks before exhaustion, got %d", heap/len(block), n)
	}

	// A failed commit has no partial effects.
	if c.Used() != n*len(block) {
		t.Fatalf("failed commit moved the cursor: used=%d", c.Used())
	}
	if c.Lookup(pc+uint64(n)*4) != 0 {
		t.Fatal("failed commit published a block")
	}

	c.Flush()

	if c.Used() != 0 {
		t.Fatalf("flush left cursor at %d", c.Used())
	}
	if c.Lookup(pc) != 0 {
		t.Fatal("flush left a block mapping behind")
	}

	// The cache is usable again from cursor zero.
	ptr := commitBlock(t, c, pc, block)
	if ptr != c.arena.ExecBase() {
		t.Fatalf("post-flush commit at 0x%x, want heap base 0x%x", ptr, c.arena.ExecBase())
	}
}
