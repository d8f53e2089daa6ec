// Package vm implements the machine lifecycle engine: guest RAM and the MMIO
// bus, the power-state machine, hart scheduling and the process-wide
// eventloop shared by every running machine.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

const (
	pageSize = 0x1000

	// MaxHarts bounds how many harts one machine may own. Implausibly large
	// counts are configuration errors, not scaling targets.
	MaxHarts = 1024
)

var (
	ErrBadHartCount = errors.New("vm: invalid hart count")
	ErrBadRAMRegion = errors.New("vm: invalid ram region")
	ErrBadOpSize    = errors.New("vm: inconsistent mmio op size constraints")
	ErrZoneOccupied = errors.New("vm: mmio zone occupied")
)

// Machine is one guest machine: RAM, harts, attached MMIO devices and the
// power-state machine coordinating them.
//
// A machine is owned by its creator. While running, the eventloop registry
// holds a non-owning reference; Free must only be called once the machine is
// no longer running.
type Machine struct {
	memBase uint64
	memSize uint64
	mem     []byte

	rv64   bool
	engine HartEngine

	// Structural state below is mutated only while the machine is paused,
	// under the global lock.
	harts   []Hart
	devices []*MMIODevice

	power   atomic.Int32
	running atomic.Bool

	options [optionMax]atomic.Uint64

	timer guestTimer

	// spawnMu guards the run-group fields against a wake racing a respawn.
	spawnMu     sync.Mutex
	hartGroup   *errgroup.Group
	cancelHarts context.CancelFunc

	// Well-known bus singletons, owned by whoever attached them.
	intc any
	pci  any
	i2c  any

	bootrom []byte
	kernel  []byte
	dtb     []byte
	dtbAddr uint64
}

// NewMachine creates a machine with hartCount harts and a RAM region of
// memSize bytes at guest physical memBase. The machine starts powered off.
func NewMachine(engine HartEngine, memBase, memSize uint64, hartCount int, rv64 bool) (*Machine, error) {
	if engine == nil {
		return nil, errors.New("vm: nil hart engine")
	}
	if hartCount <= 0 || hartCount > MaxHarts {
		return nil, fmt.Errorf("%w: %d", ErrBadHartCount, hartCount)
	}
	if memSize == 0 || memSize%pageSize != 0 || memBase%pageSize != 0 || memBase+memSize < memBase {
		return nil, fmt.Errorf("%w: base 0x%x size 0x%x", ErrBadRAMRegion, memBase, memSize)
	}

	m := &Machine{
		memBase: memBase,
		memSize: memSize,
		mem:     make([]byte, memSize),
		rv64:    rv64,
		engine:  engine,
	}
	m.setDefaultOptions()
	m.timer.reseed()

	for i := 0; i < hartCount; i++ {
		h, err := engine.NewHart(m, i)
		if err != nil {
			for _, prev := range m.harts {
				prev.Close()
			}
			return nil, fmt.Errorf("vm: create hart %d: %w", i, err)
		}
		m.harts = append(m.harts, h)
	}

	return m, nil
}

// MemBase returns the guest physical base address of RAM.
func (m *Machine) MemBase() uint64 { return m.memBase }

// MemSize returns the RAM size in bytes.
func (m *Machine) MemSize() uint64 { return m.memSize }

// RV64 reports whether the machine runs 64-bit harts.
func (m *Machine) RV64() bool { return m.rv64 }

// HartCount returns the number of harts.
func (m *Machine) HartCount() int { return len(m.harts) }

// Hart returns hart id, or nil when out of range.
func (m *Machine) Hart(id int) Hart {
	if id < 0 || id >= len(m.harts) {
		return nil
	}
	return m.harts[id]
}

// Running reports whether the machine is currently running.
func (m *Machine) Running() bool { return m.running.Load() }

// SetInterruptController installs the interrupt controller singleton handle.
func (m *Machine) SetInterruptController(intc any) { m.intc = intc }

// InterruptController returns the interrupt controller singleton handle.
func (m *Machine) InterruptController() any { return m.intc }

// SetPCIBus installs the PCI bus singleton handle.
func (m *Machine) SetPCIBus(pci any) { m.pci = pci }

// PCIBus returns the PCI bus singleton handle.
func (m *Machine) PCIBus() any { return m.pci }

// SetI2CBus installs the I2C bus singleton handle.
func (m *Machine) SetI2CBus(i2c any) { m.i2c = i2c }

// I2CBus returns the I2C bus singleton handle.
func (m *Machine) I2CBus() any { return m.i2c }

// SetBootROM installs the bootrom image loaded to the base of RAM on reset.
func (m *Machine) SetBootROM(image []byte) { m.bootrom = image }

// SetKernel installs the kernel image loaded above the bootrom on reset.
func (m *Machine) SetKernel(image []byte) { m.kernel = image }

// SetDTB installs the device tree blob loaded near the top of RAM (or at the
// OptDTBAddr override) on reset.
func (m *Machine) SetDTB(blob []byte) { m.dtb = blob }

// LoadBootROM reads a bootrom image from path.
func (m *Machine) LoadBootROM(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vm: load bootrom: %w", err)
	}
	m.bootrom = data
	return nil
}

// LoadKernel reads a kernel image from path.
func (m *Machine) LoadKernel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vm: load kernel: %w", err)
	}
	m.kernel = data
	return nil
}

// LoadDTB reads a device tree blob from path.
func (m *Machine) LoadDTB(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("vm: load dtb: %w", err)
	}
	m.dtb = data
	return nil
}

// spawnHarts starts one goroutine per hart. Callers hold the global lock
// with the machine in the ON state.
func (m *Machine) spawnHarts() {
	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m.cancelHarts = cancel
	m.hartGroup = g

	for _, h := range m.harts {
		g.Go(func() error {
			if err := h.Run(ctx); err != nil && ctx.Err() == nil {
				// Engine failures never unwind past the hart boundary; the
				// hart simply stops until the next power transition.
				slog.Error("vm: hart run failed", "hart", h.ID(), "error", err)
			}
			return nil
		})
	}
}

// pauseHarts stops every hart goroutine and waits for them to exit. Safe to
// call when the harts are already stopped.
func (m *Machine) pauseHarts() {
	m.spawnMu.Lock()
	cancel, group := m.cancelHarts, m.hartGroup
	m.cancelHarts, m.hartGroup = nil, nil
	m.spawnMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = group.Wait()
}

// wakeHarts prompts every running hart to return from its execution loop
// without waiting out an eventloop poll interval. Waking all harts rather
// than a designated one keeps the fast path correct regardless of hart count.
func (m *Machine) wakeHarts() {
	m.spawnMu.Lock()
	cancel := m.cancelHarts
	m.spawnMu.Unlock()

	if cancel != nil {
		cancel()
	}
}
