// Package syscon implements the SiFive test finisher, the minimal system
// controller RISC-V guests poke to reboot or power off the machine.
package syscon

import (
	"encoding/binary"
	"log/slog"

	"github.com/LekKit/RVVM-sub000/internal/vm"
)

// DefaultAddr is where mainline device trees place the test finisher.
const DefaultAddr = 0x100000

const regionSize = 0x1000

// Magic command values, register 0. Matches the qemu/sifive_test layout so
// stock kernels work unmodified.
const (
	cmdPoweroff = 0x5555
	cmdReboot   = 0x7777
)

var sysconType = &vm.DeviceType{
	Name: "syscon",
}

// Attach maps a system controller at addr on m.
func Attach(m *vm.Machine, addr uint64) (*vm.MMIODevice, error) {
	return m.AttachMMIO(&vm.MMIODevice{
		Addr:      addr,
		Size:      regionSize,
		MinOpSize: 4,
		MaxOpSize: 4,
		Read:      sysconRead,
		Write:     sysconWrite,
		Type:      sysconType,
	})
}

func sysconRead(dev *vm.MMIODevice, off uint64, data []byte) bool {
	// All registers read as zero.
	clear(data)
	return true
}

func sysconWrite(dev *vm.MMIODevice, off uint64, data []byte) bool {
	if off != 0 {
		return true
	}
	m := dev.Machine()
	switch binary.LittleEndian.Uint32(data) & 0xffff {
	case cmdPoweroff:
		slog.Info("syscon: guest requested poweroff")
		m.RequestShutdown()
	case cmdReboot:
		slog.Info("syscon: guest requested reboot")
		m.RequestReset()
	}
	return true
}
