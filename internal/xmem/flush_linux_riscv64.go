//go:build linux && riscv64

package xmem

import "golang.org/x/sys/unix"

// FlushICache synchronizes the instruction cache with writes to
// [off, off+n) via the dedicated kernel syscall. The flush targets the
// executable alias: in W^X mode that is the mapping stale lines would be
// fetched through.
func (a *Arena) FlushICache(off, n int) {
	if n <= 0 {
		return
	}
	start := a.ExecBase() + uintptr(off)
	// Flags 0 flushes across all threads of the process.
	unix.Syscall(unix.SYS_RISCV_FLUSH_ICACHE, start, start+uintptr(n), 0)
}
