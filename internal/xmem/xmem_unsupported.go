//go:build !linux

package xmem

// Arena is unavailable on this platform; New always fails and the machine
// runs interpreted.
type Arena struct{}

func New(size int, disableRWX bool) (*Arena, error) { return nil, ErrUnsupported }

func (a *Arena) Size() int               { return 0 }
func (a *Arena) Writable() []byte        { return nil }
func (a *Arena) ExecSlice() []byte       { return nil }
func (a *Arena) ExecBase() uintptr       { return 0 }
func (a *Arena) DualMapped() bool        { return false }
func (a *Arena) ReleaseHint()            {}
func (a *Arena) FlushICache(off, n int)  {}
func (a *Arena) Close() error            { return nil }
