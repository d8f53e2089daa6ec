package vm

import (
	"fmt"
	"log/slog"
	"math/bits"
)

// DeviceType is the optional capability vtable shared by all instances of a
// device model. Every hook may be nil.
type DeviceType struct {
	Name string

	// Remove releases device-owned resources. Called on detach with cleanup
	// and on machine teardown.
	Remove func(dev *MMIODevice)

	// Update services host-driven I/O. Called on every eventloop pass while
	// the machine is on.
	Update func(dev *MMIODevice)

	// Reset returns the device to its power-on state. Called during the
	// machine reset sequence.
	Reset func(dev *MMIODevice)
}

// MMIOHandler services one access to a device register range. Read handlers
// fill data, write handlers consume it; off is the offset from the device
// base. Returning false reports an access fault to the guest.
type MMIOHandler func(dev *MMIODevice, off uint64, data []byte) bool

// MMIODevice describes one range of a machine's physical address space
// claimed by a device.
//
// Addr and Size are fixed while attached; relocation (a PCI BAR rewrite)
// must go through RemapMMIO, which enforces the same pause-before-mutate
// discipline as every other structural change.
type MMIODevice struct {
	Addr uint64
	Size uint64

	// MinOpSize and MaxOpSize bound the guest access sizes the handlers
	// accept, in bytes. Normalized to powers of two on attach; zero values
	// default to 1 and 8.
	MinOpSize uint32
	MaxOpSize uint32

	Read  MMIOHandler
	Write MMIOHandler

	// Mapped, when non-nil, is a direct memory alias backing the whole
	// region. Such regions are addressed without trapping into handlers, so
	// detaching one flushes every hart's translation state.
	Mapped []byte

	Type *DeviceType

	// Data is the device model's payload.
	Data any

	machine *Machine
}

// Machine returns the machine the device is attached to, nil when detached.
func (d *MMIODevice) Machine() *Machine { return d.machine }

func (d *MMIODevice) name() string {
	if d.Type != nil && d.Type.Name != "" {
		return d.Type.Name
	}
	return "mmio"
}

func (d *MMIODevice) overlaps(addr, size uint64) bool {
	return d.Size != 0 && addr < d.Addr+d.Size && addr+size > d.Addr
}

func normalizeOpSize(v uint32, def uint32) uint32 {
	if v == 0 {
		return def
	}
	if v&(v-1) != 0 {
		v = 1 << bits.Len32(v)
	}
	return v
}

// ZoneProbe returns addr when [addr, addr+size) overlaps neither RAM nor any
// attached device, otherwise the first address past the colliding region.
// Probing repeatedly until the value stabilizes implements a forward linear
// allocator. Zero-size requests never collide.
func (m *Machine) ZoneProbe(addr, size uint64) uint64 {
	globalLock.Acquire()
	defer globalLock.Release()
	return m.zoneProbe(addr, size)
}

func (m *Machine) zoneProbe(addr, size uint64) uint64 {
	if size == 0 {
		return addr
	}
	if addr < m.memBase+m.memSize && addr+size > m.memBase {
		return m.memBase + m.memSize
	}
	for _, dev := range m.devices {
		if dev.overlaps(addr, size) {
			return dev.Addr + dev.Size
		}
	}
	return addr
}

// AttachMMIO attaches dev to the machine's address space. On failure the
// device's resources are released through its vtable and an error is
// returned; nothing is left half-attached. A running machine is paused
// around the structural change and resumed afterwards.
func (m *Machine) AttachMMIO(dev *MMIODevice) (*MMIODevice, error) {
	dev.MinOpSize = normalizeOpSize(dev.MinOpSize, 1)
	dev.MaxOpSize = normalizeOpSize(dev.MaxOpSize, 8)
	if dev.MinOpSize > dev.MaxOpSize || dev.MinOpSize > 8 {
		err := fmt.Errorf("%w: %s min %d max %d", ErrBadOpSize, dev.name(), dev.MinOpSize, dev.MaxOpSize)
		m.cleanupDevice(dev)
		return nil, err
	}

	wasRunning := m.Pause()

	globalLock.Acquire()
	if m.zoneProbe(dev.Addr, dev.Size) != dev.Addr {
		globalLock.Release()
		slog.Error("vm: mmio zone occupied", "device", dev.name(),
			"addr", fmt.Sprintf("0x%x", dev.Addr), "size", fmt.Sprintf("0x%x", dev.Size))
		m.cleanupDevice(dev)
		if wasRunning {
			m.Start()
		}
		return nil, fmt.Errorf("%w: %s at 0x%x", ErrZoneOccupied, dev.name(), dev.Addr)
	}
	dev.machine = m
	m.devices = append(m.devices, dev)
	globalLock.Release()

	if wasRunning {
		m.Start()
	}
	return dev, nil
}

// DetachMMIO removes dev from its machine. When cleanup is set the device's
// resources are released through its vtable. Reports false when the device
// is not attached.
func (m *Machine) DetachMMIO(dev *MMIODevice, cleanup bool) bool {
	wasRunning := m.Pause()

	globalLock.Acquire()
	idx := -1
	for i, d := range m.devices {
		if d == dev {
			idx = i
			break
		}
	}
	if idx < 0 {
		globalLock.Release()
		if wasRunning {
			m.Start()
		}
		return false
	}
	m.devices = append(m.devices[:idx], m.devices[idx+1:]...)
	dev.machine = nil
	direct := dev.Mapped != nil
	globalLock.Release()

	if direct {
		// Direct-mapped regions bypass handlers entirely; stale translations
		// of the vanished region must go.
		for _, h := range m.harts {
			h.FlushTLB()
			if c := h.Cache(); c != nil {
				c.Flush()
			}
		}
	}

	if wasRunning {
		m.Start()
	}
	if cleanup {
		m.cleanupDevice(dev)
	}
	return true
}

// RemapMMIO moves an attached device to a new base address, pausing the
// machine around the change. Guest-driven relocation (PCI BAR rewrites) must
// come through here rather than storing to Addr directly.
func (m *Machine) RemapMMIO(dev *MMIODevice, newAddr uint64) error {
	wasRunning := m.Pause()

	globalLock.Acquire()
	oldAddr := dev.Addr
	dev.Addr = newAddr
	if dev.machine != m || m.zoneProbe(newAddr, dev.Size) != newAddr {
		dev.Addr = oldAddr
		globalLock.Release()
		if wasRunning {
			m.Start()
		}
		return fmt.Errorf("%w: remap %s to 0x%x", ErrZoneOccupied, dev.name(), newAddr)
	}
	globalLock.Release()

	if dev.Mapped != nil {
		for _, h := range m.harts {
			h.FlushTLB()
		}
	}
	if wasRunning {
		m.Start()
	}
	return nil
}

// cleanupDevice releases a device's resources through its vtable, or just
// drops the payload reference for models without a Remove hook.
func (m *Machine) cleanupDevice(dev *MMIODevice) {
	dev.machine = nil
	if dev.Type != nil && dev.Type.Remove != nil {
		dev.Type.Remove(dev)
		return
	}
	dev.Data = nil
}

// findDevice returns the attached device containing addr, or nil.
func (m *Machine) findDevice(addr uint64) *MMIODevice {
	for _, dev := range m.devices {
		if dev.Size != 0 && addr >= dev.Addr && addr < dev.Addr+dev.Size {
			return dev
		}
	}
	return nil
}

// MMIORead dispatches a guest read outside RAM to the owning device.
// Reports false when no device claims the address, the access violates the
// device's size constraints, or the handler faults.
func (m *Machine) MMIORead(addr uint64, data []byte) bool {
	return m.mmioAccess(addr, data, false)
}

// MMIOWrite dispatches a guest write outside RAM to the owning device.
func (m *Machine) MMIOWrite(addr uint64, data []byte) bool {
	return m.mmioAccess(addr, data, true)
}

func (m *Machine) mmioAccess(addr uint64, data []byte, write bool) bool {
	dev := m.findDevice(addr)
	if dev == nil {
		return false
	}
	off := addr - dev.Addr
	size := uint64(len(data))
	if size == 0 || off+size > dev.Size {
		return false
	}

	if dev.Mapped != nil {
		if write {
			copy(dev.Mapped[off:], data)
		} else {
			copy(data, dev.Mapped[off:])
		}
		return true
	}

	if size < uint64(dev.MinOpSize) || size > uint64(dev.MaxOpSize) || off%size != 0 {
		return false
	}
	if write {
		return dev.Write != nil && dev.Write(dev, off, data)
	}
	return dev.Read != nil && dev.Read(dev, off, data)
}
