//go:build linux

package xmem

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a reserved heap for translated code.
type Arena struct {
	w  []byte // writable alias
	x  []byte // executable alias, shares backing with w
	fd int    // memfd backing the dual mapping, -1 for the RWX strategy
}

// New reserves an executable heap of at least size bytes, rounded up to the
// page size. disableRWX forces the dual-mapping strategy even when the host
// would permit a single RWX mapping.
func New(size int, disableRWX bool) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("xmem: invalid arena size %d", size)
	}
	pageSize := unix.Getpagesize()
	size = (size + pageSize - 1) / pageSize * pageSize

	if !disableRWX {
		mem, err := unix.Mmap(-1, 0, size,
			unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
			unix.MAP_PRIVATE|unix.MAP_ANON)
		if err == nil {
			return &Arena{w: mem, x: mem, fd: -1}, nil
		}
		slog.Debug("xmem: rwx mapping refused, falling back to dual mapping", "error", err)
	}

	fd, err := unix.MemfdCreate("jit-heap", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("xmem: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("xmem: size jit heap: %w", err)
	}

	w, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("xmem: map writable alias: %w", err)
	}
	x, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(w)
		unix.Close(fd)
		return nil, fmt.Errorf("xmem: map executable alias: %w", err)
	}

	return &Arena{w: w, x: x, fd: fd}, nil
}

// Size returns the usable heap size in bytes.
func (a *Arena) Size() int { return len(a.w) }

// Writable returns the writable alias of the heap. Code is staged here before
// it becomes reachable through the executable alias.
func (a *Arena) Writable() []byte { return a.w }

// ExecSlice returns the executable alias of the heap.
func (a *Arena) ExecSlice() []byte { return a.x }

// ExecBase returns the address of the executable alias.
func (a *Arena) ExecBase() uintptr { return uintptr(unsafe.Pointer(&a.x[0])) }

// DualMapped reports whether the arena runs in W^X mode.
func (a *Arena) DualMapped() bool { return a.fd >= 0 }

// ReleaseHint asks the kernel to drop the physical backing of the heap. The
// mappings stay valid and read back as zeroes, so this only makes sense right
// before the logical content is discarded anyway.
func (a *Arena) ReleaseHint() {
	if a.fd >= 0 {
		// Shared tmpfs pages are not freed by MADV_DONTNEED; punch them out
		// of the backing object instead.
		if err := unix.Fallocate(a.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, 0, int64(len(a.w))); err != nil {
			slog.Debug("xmem: punch hole in jit heap", "error", err)
		}
		return
	}
	if err := unix.Madvise(a.w, unix.MADV_DONTNEED); err != nil {
		slog.Debug("xmem: madvise jit heap", "error", err)
	}
}

// Close releases both aliases and the backing object.
func (a *Arena) Close() error {
	var firstErr error
	if a.fd >= 0 {
		if err := unix.Munmap(a.x); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("xmem: unmap executable alias: %w", err)
		}
	}
	if err := unix.Munmap(a.w); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("xmem: unmap writable alias: %w", err)
	}
	if a.fd >= 0 {
		if err := unix.Close(a.fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("xmem: close backing fd: %w", err)
		}
	}
	a.w, a.x, a.fd = nil, nil, -1
	return firstErr
}
