// Package rvvm provides the core of a RISC-V machine emulator: guest
// machine lifecycle, MMIO address space management, bounds-checked DMA, and
// a shared eventloop that drives timers, power transitions, and device
// polling for every running machine in the process.
//
// The package does not include a CPU interpreter. Callers plug one in
// through the HartEngine factory; jit.Cache gives such engines a translated
// code heap with write-xor-execute memory and dirty-page invalidation.
package rvvm

import (
	"github.com/LekKit/RVVM-sub000/internal/jit"
	"github.com/LekKit/RVVM-sub000/internal/vm"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal/vm and internal/jit
// -----------------------------------------------------------------------------

// Machine is one guest machine: RAM, harts, attached devices, power state.
type Machine = vm.Machine

// Hart is one guest CPU core as seen by the machine.
type Hart = vm.Hart

// HartEngine builds the harts of a machine. This is the seam where a CPU
// implementation plugs in.
type HartEngine = vm.HartEngine

// EngineFunc adapts a function to the HartEngine interface.
type EngineFunc = vm.EngineFunc

// SimpleHart implements Hart with optional per-method funcs, for engines and
// tests that only care about a few of the hooks.
type SimpleHart = vm.SimpleHart

// ResetState carries the architectural state a hart receives on reset.
type ResetState = vm.ResetState

// MMIODevice describes one claimed range of the guest physical address space.
type MMIODevice = vm.MMIODevice

// MMIOHandler services one guest access to a device register range.
type MMIOHandler = vm.MMIOHandler

// DeviceType is the capability vtable shared by instances of a device model.
type DeviceType = vm.DeviceType

// PowerState is a machine's lifecycle state.
type PowerState = vm.PowerState

// Option selects a per-machine tunable.
type Option = vm.Option

// BlockCache is a per-hart translated code heap.
type BlockCache = jit.Cache

// TimerFreq is the guest timer frequency in ticks per second.
const TimerFreq = vm.TimerFreq

// Power states.
const (
	PowerOff   = vm.PowerOff
	PowerOn    = vm.PowerOn
	PowerReset = vm.PowerReset
)

// Machine options.
const (
	OptJIT          = vm.OptJIT
	OptJITCacheSize = vm.OptJITCacheSize
	OptNoRWX        = vm.OptNoRWX
	OptCPUPercent   = vm.OptCPUPercent
	OptResetPC      = vm.OptResetPC
	OptDTBAddr      = vm.OptDTBAddr
)

// Common sentinel errors.
var (
	ErrBadHartCount = vm.ErrBadHartCount
	ErrBadRAMRegion = vm.ErrBadRAMRegion
	ErrBadOpSize    = vm.ErrBadOpSize
	ErrZoneOccupied = vm.ErrZoneOccupied
	ErrLoopBusy     = vm.ErrLoopBusy
	ErrCacheFull    = jit.ErrCacheFull
)

// NewMachine creates a powered-off machine with hartCount harts built by
// engine and memSize bytes of guest RAM at memBase. Call Start to run it.
func NewMachine(engine HartEngine, memBase, memSize uint64, hartCount int, rv64 bool) (*Machine, error) {
	return vm.NewMachine(engine, memBase, memSize, hartCount, rv64)
}

// NewBlockCache creates a translated code heap of heapSize bytes tracking
// guestMemSize bytes of RAM. Engines typically size it from the machine's
// OptJITCacheSize option and disable writable-executable mappings when
// OptNoRWX is set.
func NewBlockCache(heapSize int, guestMemSize uint64, disableRWX bool) (*jit.Cache, error) {
	return jit.NewCache(heapSize, guestMemSize, disableRWX)
}

// RunEventloop drives every running machine on the calling goroutine instead
// of the background one. It returns once any machine powers off. Intended
// for main goroutines that have nothing better to do.
func RunEventloop() error {
	return vm.RunEventloop()
}
