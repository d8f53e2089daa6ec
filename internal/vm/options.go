package vm

// Option identifies one numeric machine option. Options are plain atomic
// values: setting one never blocks, and components read them on each use, so
// a change takes effect on the next pass, reset or cache rebuild that
// consults it.
type Option int

const (
	// OptJIT enables binary translation (0 disables, guests run interpreted).
	OptJIT Option = iota
	// OptJITCacheSize is the per-hart code heap size in bytes.
	OptJITCacheSize
	// OptNoRWX forces the W^X dual-mapping strategy for code heaps.
	OptNoRWX
	// OptCPUPercent caps guest CPU time as a percentage of host time (1-100).
	OptCPUPercent
	// OptResetPC is the guest physical address harts start executing at.
	OptResetPC
	// OptDTBAddr overrides the device tree load address (0 picks the top of RAM).
	OptDTBAddr
	optionMax
)

const (
	defaultCacheMin = 2 << 20
	defaultCacheMax = 256 << 20
)

// SetOption sets a machine option, reporting false for unknown ids.
func (m *Machine) SetOption(opt Option, val uint64) bool {
	if opt < 0 || opt >= optionMax {
		return false
	}
	m.options[opt].Store(val)
	return true
}

// GetOption returns the current value of a machine option, zero for unknown
// ids.
func (m *Machine) GetOption(opt Option) uint64 {
	if opt < 0 || opt >= optionMax {
		return 0
	}
	return m.options[opt].Load()
}

// defaultCacheSize scales the per-hart code heap with guest RAM, clamped so
// tiny guests still translate and huge guests do not starve the host.
func defaultCacheSize(memSize uint64) uint64 {
	size := memSize / 8
	if size < defaultCacheMin {
		size = defaultCacheMin
	}
	if size > defaultCacheMax {
		size = defaultCacheMax
	}
	return size
}

func (m *Machine) setDefaultOptions() {
	m.options[OptJIT].Store(1)
	m.options[OptJITCacheSize].Store(defaultCacheSize(m.memSize))
	m.options[OptCPUPercent].Store(100)
	m.options[OptResetPC].Store(m.memBase)
}
