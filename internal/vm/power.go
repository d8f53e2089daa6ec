package vm

import "log/slog"

// PowerState is a machine's atomic power state.
type PowerState int32

const (
	// PowerOff means the machine is shut down (the initial state), or that a
	// shutdown has been requested and awaits the eventloop.
	PowerOff PowerState = iota
	// PowerOn means harts are executing.
	PowerOn
	// PowerReset means a reset was requested and awaits the eventloop.
	PowerReset
)

func (s PowerState) String() string {
	switch s {
	case PowerOff:
		return "off"
	case PowerOn:
		return "on"
	case PowerReset:
		return "reset"
	default:
		return "invalid"
	}
}

// PowerState returns the machine's current power state.
func (m *Machine) PowerState() PowerState {
	return PowerState(m.power.Load())
}

// Start powers the machine on. When the machine is off, the full reset state
// is applied first (boot images reloaded, devices reset, timer reseeded,
// harts placed at the reset vector). Returns false when already running;
// callers may treat that as "already in the desired state".
func (m *Machine) Start() bool {
	globalLock.Acquire()
	if !m.running.CompareAndSwap(false, true) {
		globalLock.Release()
		return false
	}

	if m.PowerState() == PowerOff {
		m.applyReset()
	}
	m.power.Store(int32(PowerOn))
	m.spawnHarts()
	registerMachine(m)
	globalLock.Release()

	return true
}

// Pause stops the machine, blocking until every hart has actually stopped.
// Returns false when not running. Pausing does not change the power state: a
// paused machine resumes where it left off.
func (m *Machine) Pause() bool {
	// Taken under the global lock so a pause cannot interleave with the
	// eventloop applying a power transition to the same machine.
	globalLock.Acquire()
	if !m.running.CompareAndSwap(true, false) {
		globalLock.Release()
		return false
	}

	m.pauseHarts()
	deregisterMachine(m)
	globalLock.Release()

	return true
}

// RequestReset asks for a machine reset. Callable from any thread, including
// a hart servicing a guest syscon write: the heavy transition work happens on
// the next eventloop pass, this only publishes the request and wakes everyone
// who must notice it.
func (m *Machine) RequestReset() { m.requestPower(PowerReset) }

// RequestShutdown asks for a machine shutdown. Same contract as RequestReset.
func (m *Machine) RequestShutdown() { m.requestPower(PowerOff) }

func (m *Machine) requestPower(s PowerState) {
	m.power.Store(int32(s))
	m.wakeHarts()
	wakeEventloop()
}

// Free tears the machine down: pauses it if needed, removes every device in
// reverse attach order (later devices may hold references into earlier ones),
// closes every hart and releases RAM. The machine must not be used afterwards.
func (m *Machine) Free() {
	m.Pause()

	for i := len(m.devices) - 1; i >= 0; i-- {
		m.cleanupDevice(m.devices[i])
	}
	m.devices = nil

	for _, h := range m.harts {
		if err := h.Close(); err != nil {
			slog.Error("vm: close hart", "hart", h.ID(), "error", err)
		}
	}
	m.harts = nil

	m.mem = nil
	m.bootrom, m.kernel, m.dtb = nil, nil, nil
	m.intc, m.pci, m.i2c = nil, nil, nil
}

// applyReset loads boot images and returns every device and hart to its
// power-on state. Callers hold the global lock with all harts stopped.
func (m *Machine) applyReset() {
	m.loadImages()

	for _, dev := range m.devices {
		if dev.Type != nil && dev.Type.Reset != nil {
			dev.Type.Reset(dev)
		}
	}

	m.timer.reseed()

	state := ResetState{
		PC:      m.GetOption(OptResetPC),
		DTBAddr: m.dtbAddr,
	}
	for _, h := range m.harts {
		if err := h.Reset(state); err != nil {
			slog.Error("vm: hart reset failed", "hart", h.ID(), "error", err)
		}
		if c := h.Cache(); c != nil {
			c.Flush()
		}
	}
}

// Room left between the RAM base and the kernel image for the bootrom/SBI.
const kernelLoadOffset = 2 << 20

// loadImages copies the bootrom, kernel and device tree into RAM. Images
// that do not fit are skipped with an error log; the guest then simply finds
// no image, which is a guest-visible boot failure rather than a host one.
func (m *Machine) loadImages() {
	if len(m.bootrom) > 0 {
		if uint64(len(m.bootrom)) > m.memSize {
			slog.Error("vm: bootrom image larger than ram", "size", len(m.bootrom))
		} else {
			copy(m.mem, m.bootrom)
		}
	}

	if len(m.kernel) > 0 {
		off := uint64(kernelLoadOffset)
		if off+uint64(len(m.kernel)) > m.memSize {
			slog.Error("vm: kernel image does not fit above the bootrom", "size", len(m.kernel))
		} else {
			copy(m.mem[off:], m.kernel)
		}
	}

	m.dtbAddr = 0
	if len(m.dtb) > 0 {
		size := (uint64(len(m.dtb)) + pageSize - 1) &^ uint64(pageSize-1)
		addr := m.GetOption(OptDTBAddr)
		if addr == 0 {
			if size >= m.memSize {
				slog.Error("vm: dtb larger than ram", "size", len(m.dtb))
				return
			}
			addr = m.memBase + m.memSize - size
		}
		off, ok := m.ramOffset(addr, uint64(len(m.dtb)))
		if !ok {
			slog.Error("vm: dtb load address outside ram", "addr", addr)
			return
		}
		copy(m.mem[off:], m.dtb)
		m.dtbAddr = addr
	}
}
