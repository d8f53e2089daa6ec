package rvvm_test

import (
	"errors"
	"testing"

	rvvm "github.com/LekKit/RVVM-sub000"
)

// Exercises the public surface the way an embedding application would: build
// a small machine, claim address space, run it, tear it down.
func TestMachineLifecycle(t *testing.T) {
	engine := rvvm.EngineFunc(func(m *rvvm.Machine, id int) (rvvm.Hart, error) {
		return &rvvm.SimpleHart{HartID: id}, nil
	})

	m, err := rvvm.NewMachine(engine, 0x8000_0000, 64<<20, 1, true)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	// A zero-size placeholder claims a slot without claiming address space,
	// so it attaches even at an address RAM already covers.
	placeholderRemoved := false
	placeholder, err := m.AttachMMIO(&rvvm.MMIODevice{
		Addr: 0x8000_0000,
		Type: &rvvm.DeviceType{
			Name:   "placeholder",
			Remove: func(dev *rvvm.MMIODevice) { placeholderRemoved = true },
		},
	})
	if err != nil {
		t.Fatalf("attach placeholder: %v", err)
	}
	if placeholder.Machine() != m {
		t.Fatal("placeholder not bound to the machine")
	}

	// A real device region at the same address must be refused.
	if _, err := m.AttachMMIO(&rvvm.MMIODevice{Addr: 0x8000_0000, Size: 0x1000}); !errors.Is(err, rvvm.ErrZoneOccupied) {
		t.Fatalf("attach over ram: err=%v, want ErrZoneOccupied", err)
	}

	if !m.Start() {
		t.Fatal("start failed")
	}
	if m.Start() {
		t.Fatal("double start succeeded")
	}
	if !m.Running() || m.PowerState() != rvvm.PowerOn {
		t.Fatal("machine not on after start")
	}

	if !m.Pause() {
		t.Fatal("pause failed")
	}
	if m.Running() {
		t.Fatal("machine still running after pause")
	}

	m.Free()
	if !placeholderRemoved {
		t.Fatal("free did not release the placeholder through its vtable")
	}
}

func TestDMARoundTrip(t *testing.T) {
	engine := rvvm.EngineFunc(func(m *rvvm.Machine, id int) (rvvm.Hart, error) {
		return &rvvm.SimpleHart{HartID: id}, nil
	})
	m, err := rvvm.NewMachine(engine, 0x8000_0000, 64<<20, 1, true)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	defer m.Free()

	if !m.WriteRAM(0x8000_1000, []byte{1, 2, 3, 4}) {
		t.Fatal("write inside ram failed")
	}
	if m.WriteRAM(0x8000_0000+64<<20, []byte{1}) {
		t.Fatal("write past the end of ram succeeded")
	}
	buf := make([]byte, 4)
	if !m.ReadRAM(buf, 0x8000_1000) || buf[0] != 1 || buf[3] != 4 {
		t.Fatalf("read back % x", buf)
	}
	if m.DMAPtr(0x7fff_ffff, 2) != nil {
		t.Fatal("dma window straddling the ram base succeeded")
	}
}
