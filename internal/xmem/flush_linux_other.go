//go:build linux && !amd64 && !riscv64

package xmem

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// FlushICache synchronizes the instruction cache with writes to
// [off, off+n). Without a portable cache-maintenance primitive, cycling the
// protection of the affected pages forces the kernel to perform the
// synchronization on architectures with split caches.
func (a *Arena) FlushICache(off, n int) {
	if n <= 0 {
		return
	}
	pageSize := unix.Getpagesize()
	lo := off / pageSize * pageSize
	hi := (off + n + pageSize - 1) / pageSize * pageSize
	if hi > len(a.x) {
		hi = len(a.x)
	}
	prot := unix.PROT_READ | unix.PROT_EXEC
	if a.fd < 0 {
		// Single RWX mapping: keep it writable after the cycle.
		prot |= unix.PROT_WRITE
	}
	region := a.x[lo:hi]
	if err := unix.Mprotect(region, unix.PROT_READ); err != nil {
		slog.Debug("xmem: icache flush mprotect", "error", err)
		return
	}
	if err := unix.Mprotect(region, prot); err != nil {
		slog.Error("xmem: restore executable protection", "error", err)
	}
}
