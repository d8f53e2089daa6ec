package fdt

import "fmt"

// MachineInfo describes the hardware a generated device tree advertises.
type MachineInfo struct {
	MemBase  uint64
	MemSize  uint64
	Harts    int
	RV64     bool
	Timebase uint32 // timer ticks per second

	// SysconAddr, when non-zero, adds a sifive,test compatible poweroff and
	// reboot controller node.
	SysconAddr uint64

	// UARTAddr, when non-zero, adds an ns16550a serial port node.
	UARTAddr uint64

	BootArgs string
}

func (info *MachineInfo) isa() string {
	if info.RV64 {
		return "rv64imafdc"
	}
	return "rv32imafdc"
}

func (info *MachineInfo) mmuType() string {
	if info.RV64 {
		return "riscv,sv39"
	}
	return "riscv,sv32"
}

// BuildMachineTree generates a device tree blob for a machine so guests can
// boot without the caller supplying one.
func BuildMachineTree(info MachineInfo) []byte {
	b := NewBuilder()

	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "riscv-virtio")
	b.AddPropertyString("model", "riscv-virtio,qemu")

	if info.BootArgs != "" {
		b.BeginNode("chosen")
		b.AddPropertyString("bootargs", info.BootArgs)
		b.EndNode()
	}

	b.BeginNode(fmt.Sprintf("memory@%x", info.MemBase))
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyU64Pair("reg", info.MemBase, info.MemSize)
	b.EndNode()

	b.BeginNode("cpus")
	b.AddPropertyU32("#address-cells", 1)
	b.AddPropertyU32("#size-cells", 0)
	b.AddPropertyU32("timebase-frequency", info.Timebase)
	for id := 0; id < info.Harts; id++ {
		b.BeginNode(fmt.Sprintf("cpu@%d", id))
		b.AddPropertyString("device_type", "cpu")
		b.AddPropertyString("compatible", "riscv")
		b.AddPropertyU32("reg", uint32(id))
		b.AddPropertyString("status", "okay")
		b.AddPropertyString("riscv,isa", info.isa())
		b.AddPropertyString("mmu-type", info.mmuType())

		b.BeginNode("interrupt-controller")
		b.AddPropertyU32("#interrupt-cells", 1)
		b.AddPropertyEmpty("interrupt-controller")
		b.AddPropertyString("compatible", "riscv,cpu-intc")
		b.EndNode()

		b.EndNode()
	}
	b.EndNode()

	b.BeginNode("soc")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyEmpty("ranges")
	b.AddPropertyString("compatible", "simple-bus")

	if info.UARTAddr != 0 {
		b.BeginNode(fmt.Sprintf("uart@%x", info.UARTAddr))
		b.AddPropertyString("compatible", "ns16550a")
		b.AddPropertyU64Pair("reg", info.UARTAddr, 0x1000)
		b.AddPropertyU32("clock-frequency", 0x384000)
		b.EndNode()
	}

	if info.SysconAddr != 0 {
		b.BeginNode(fmt.Sprintf("test@%x", info.SysconAddr))
		b.AddPropertyStringList("compatible", []string{"sifive,test1", "sifive,test0", "syscon"})
		b.AddPropertyU64Pair("reg", info.SysconAddr, 0x1000)
		b.EndNode()

		b.BeginNode("reboot")
		b.AddPropertyString("compatible", "syscon-reboot")
		b.AddPropertyU32("value", 0x7777)
		b.AddPropertyU32("offset", 0)
		b.EndNode()

		b.BeginNode("poweroff")
		b.AddPropertyString("compatible", "syscon-poweroff")
		b.AddPropertyU32("value", 0x5555)
		b.AddPropertyU32("offset", 0)
		b.EndNode()
	}

	b.EndNode() // soc
	b.EndNode() // root

	return b.Build()
}
