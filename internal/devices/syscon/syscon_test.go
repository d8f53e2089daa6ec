package syscon

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/LekKit/RVVM-sub000/internal/vm"
)

func newMachine(t *testing.T) *vm.Machine {
	t.Helper()
	eng := vm.EngineFunc(func(m *vm.Machine, id int) (vm.Hart, error) {
		return &vm.SimpleHart{HartID: id}, nil
	})
	m, err := vm.NewMachine(eng, 0x8000_0000, 4<<20, 1, true)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	t.Cleanup(m.Free)
	return m
}

func waitState(t *testing.T, m *vm.Machine, want vm.PowerState) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for m.PowerState() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state stuck at %v, want %v", m.PowerState(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPoweroff(t *testing.T) {
	m := newMachine(t)
	if _, err := Attach(m, DefaultAddr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !m.Start() {
		t.Fatal("start failed")
	}

	if !m.MMIOWrite(DefaultAddr, []byte{0x55, 0x55, 0x00, 0x00}) {
		t.Fatal("poweroff write faulted")
	}
	waitState(t, m, vm.PowerOff)

	// The request publishes the state immediately; the running flag only
	// clears once the eventloop performs the shutdown.
	deadline := time.Now().Add(3 * time.Second)
	for m.Running() {
		if time.Now().After(deadline) {
			t.Fatal("machine still running after poweroff")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReboot(t *testing.T) {
	var resets atomic.Int32
	eng := vm.EngineFunc(func(m *vm.Machine, id int) (vm.Hart, error) {
		return &vm.SimpleHart{
			HartID: id,
			ResetFunc: func(state vm.ResetState) error {
				resets.Add(1)
				return nil
			},
		}, nil
	})
	m, err := vm.NewMachine(eng, 0x8000_0000, 4<<20, 1, true)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	defer m.Free()

	if _, err := Attach(m, DefaultAddr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !m.Start() {
		t.Fatal("start failed")
	}

	if !m.MMIOWrite(DefaultAddr, []byte{0x77, 0x77, 0x00, 0x00}) {
		t.Fatal("reboot write faulted")
	}

	deadline := time.Now().Add(3 * time.Second)
	for resets.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("hart reset %d times, want a second reset after reboot", resets.Load())
		}
		time.Sleep(time.Millisecond)
	}
	waitState(t, m, vm.PowerOn)
	if !m.Running() {
		t.Fatal("machine not running after reboot")
	}
	m.Pause()
}

func TestIgnoresUnknownValues(t *testing.T) {
	m := newMachine(t)
	if _, err := Attach(m, DefaultAddr); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if !m.MMIOWrite(DefaultAddr, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Fatal("unknown command write faulted")
	}
	if !m.MMIOWrite(DefaultAddr+8, []byte{0x55, 0x55, 0x00, 0x00}) {
		t.Fatal("write to a reserved register faulted")
	}
	if m.PowerState() != vm.PowerOff {
		t.Fatal("ignored command changed the power state")
	}

	out := make([]byte, 4)
	if !m.MMIORead(DefaultAddr, out) {
		t.Fatal("read faulted")
	}
	for _, b := range out {
		if b != 0 {
			t.Fatalf("register read back % x, want zeros", out)
		}
	}
}
