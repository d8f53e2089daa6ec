//go:build linux && amd64

package xmem

// FlushICache synchronizes the instruction cache with writes to
// [off, off+n). x86 keeps instruction fetch coherent with data writes, so
// nothing is needed here.
func (a *Arena) FlushICache(off, n int) {}
