package vm

import (
	"context"
	"time"

	"github.com/LekKit/RVVM-sub000/internal/jit"
)

// ResetState carries the architectural state applied to every hart when a
// machine powers on or resets.
type ResetState struct {
	// PC is the reset vector the hart starts fetching from.
	PC uint64
	// DTBAddr is loaded into the boot argument register (a1). The hart id
	// goes into a0; harts know their own id.
	DTBAddr uint64
}

// Hart is one guest execution context. The instruction decoder and the
// translation backend behind it are an external engine; this core only
// sequences its lifecycle and owns the surrounding machine state.
type Hart interface {
	ID() int

	// Reset applies the architectural reset state: hart id in a0, the device
	// tree address in a1, the program counter at the reset vector and the
	// highest privilege level selected.
	Reset(state ResetState) error

	// Run executes guest code on the calling goroutine until ctx is canceled
	// or the guest requests a power transition. Errors must describe host
	// failures only; guest faults are handled inside the engine.
	Run(ctx context.Context) error

	// CheckTimer delivers a pending guest timer interrupt, if any. Called on
	// every eventloop pass with the current guest timer value.
	CheckTimer(now uint64)

	// Preempt hints the hart to yield the host CPU for roughly d. Used when
	// a CPU percentage cap below 100 is configured.
	Preempt(d time.Duration)

	// FlushTLB drops any address translation state the engine caches.
	// Required when a direct-mapped MMIO region disappears, since such
	// regions are reached without trapping into handlers.
	FlushTLB()

	// Cache returns the hart's translated-code cache, or nil when the engine
	// runs interpreted.
	Cache() *jit.Cache

	Close() error
}

// HartEngine creates the execution contexts for a machine's harts.
type HartEngine interface {
	NewHart(m *Machine, id int) (Hart, error)
}

// EngineFunc adapts a function to the HartEngine interface.
type EngineFunc func(m *Machine, id int) (Hart, error)

func (f EngineFunc) NewHart(m *Machine, id int) (Hart, error) { return f(m, id) }

// SimpleHart implements Hart with optional callbacks. Nil callbacks are
// no-ops, and a nil RunFunc parks the hart until its context is canceled.
// Useful for bring-up tooling and tests.
type SimpleHart struct {
	HartID int

	ResetFunc   func(state ResetState) error
	RunFunc     func(ctx context.Context) error
	TimerFunc   func(now uint64)
	PreemptFunc func(d time.Duration)
	FlushFunc   func()
	CloseFunc   func() error

	// BlockCache, when set, is flushed on reset and closed on Close.
	BlockCache *jit.Cache
}

func (h *SimpleHart) ID() int { return h.HartID }

func (h *SimpleHart) Reset(state ResetState) error {
	if h.ResetFunc != nil {
		return h.ResetFunc(state)
	}
	return nil
}

func (h *SimpleHart) Run(ctx context.Context) error {
	if h.RunFunc != nil {
		return h.RunFunc(ctx)
	}
	<-ctx.Done()
	return nil
}

func (h *SimpleHart) CheckTimer(now uint64) {
	if h.TimerFunc != nil {
		h.TimerFunc(now)
	}
}

func (h *SimpleHart) Preempt(d time.Duration) {
	if h.PreemptFunc != nil {
		h.PreemptFunc(d)
	}
}

func (h *SimpleHart) FlushTLB() {
	if h.FlushFunc != nil {
		h.FlushFunc()
	}
}

func (h *SimpleHart) Cache() *jit.Cache { return h.BlockCache }

func (h *SimpleHart) Close() error {
	if h.CloseFunc != nil {
		return h.CloseFunc()
	}
	if h.BlockCache != nil {
		return h.BlockCache.Close()
	}
	return nil
}

var _ Hart = (*SimpleHart)(nil)
