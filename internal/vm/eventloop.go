package vm

import (
	"errors"
	"time"

	"github.com/LekKit/RVVM-sub000/internal/spinlock"
)

// The eventloop services every running machine in the process: it delivers
// guest timer interrupts, runs device update hooks, applies CPU throttling,
// and performs the heavy part of reset and shutdown requests away from the
// thread that asked for them.
//
// The loop is a process-wide service with explicit lifetime: it comes into
// existence when the first machine registers and is torn down when the last
// one leaves. A dedicated background goroutine drives it unless the hosting
// application claims the loop with RunEventloop ("manual" mode); the two
// modes are mutually exclusive, and switching tears down or rebuilds the
// background goroutine as needed.

const eventloopTick = 10 * time.Millisecond

var (
	// ErrLoopBusy is returned by RunEventloop when another caller already
	// drives the loop manually.
	ErrLoopBusy = errors.New("vm: eventloop already driven manually")

	// globalLock serializes registry mutation, loop lifecycle and the
	// per-machine bookkeeping of each pass across all machines.
	globalLock = spinlock.Lock{Name: "eventloop"}

	// loopWake outlives any loop instance so power-transition requests can
	// nudge the loop without taking the global lock.
	loopWake = make(chan struct{}, 1)

	loop *eventloop
)

type eventloop struct {
	machines []*Machine

	manual bool
	stop   chan struct{} // closes to stop the background goroutine
	done   chan struct{} // closed once the background goroutine exits
}

func wakeEventloop() {
	select {
	case loopWake <- struct{}{}:
	default:
	}
}

// registerMachine adds a running machine to the registry, creating the loop
// lazily on first use. Callers hold the global lock.
func registerMachine(m *Machine) {
	if loop == nil {
		loop = &eventloop{}
		if !loop.manual {
			loop.startBackground()
		}
	}
	loop.machines = append(loop.machines, m)
	wakeEventloop()
}

// deregisterMachine removes a machine from the registry, tolerating one that
// was already removed by a shutdown pass. Callers hold the global lock.
func deregisterMachine(m *Machine) {
	if loop == nil {
		return
	}
	for i, reg := range loop.machines {
		if reg == m {
			loop.machines = append(loop.machines[:i], loop.machines[i+1:]...)
			break
		}
	}
	wakeEventloop()
}

func (l *eventloop) startBackground() {
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.background(l.stop, l.done)
}

func (l *eventloop) background(stop, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(eventloopTick)
	defer timer.Stop()

	for {
		globalLock.Acquire()
		l.pass()
		empty := len(l.machines) == 0
		if empty && loop == l {
			// Last machine left: the loop service goes away with it.
			loop = nil
		}
		globalLock.Release()

		if empty {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(eventloopTick)

		select {
		case <-stop:
			return
		case <-loopWake:
		case <-timer.C:
		}
	}
}

// pass runs one eventloop iteration. Callers hold the global lock. Machines
// are visited in reverse registration order so removal during iteration
// stays index-safe. Returns how many machines were removed.
func (l *eventloop) pass() int {
	removed := 0

	for i := len(l.machines) - 1; i >= 0; i-- {
		m := l.machines[i]

		if !m.running.Load() {
			// Concurrently paused by its owner; it will deregister itself.
			continue
		}

		switch m.PowerState() {
		case PowerOn:
			now := m.timer.now()
			percent := m.GetOption(OptCPUPercent)
			var preempt time.Duration
			if percent > 0 && percent < 100 {
				// Yield the complement of the budget out of every tick.
				preempt = eventloopTick * time.Duration(100-percent) / 100
			}
			for _, h := range m.harts {
				h.CheckTimer(now)
				if preempt > 0 {
					h.Preempt(preempt)
				}
			}
			for _, dev := range m.devices {
				if dev.Type != nil && dev.Type.Update != nil {
					dev.Type.Update(dev)
				}
			}

		case PowerReset:
			m.pauseHarts()
			m.applyReset()
			m.power.Store(int32(PowerOn))
			m.spawnHarts()

		default: // PowerOff: shutdown requested
			m.pauseHarts()
			m.running.Store(false)
			l.machines = append(l.machines[:i], l.machines[i+1:]...)
			removed++
		}
	}

	return removed
}

// RunEventloop drives the eventloop on the calling goroutine instead of the
// background one. It returns once a machine shuts down and deregisters (or
// when none are registered), handing control back to the caller immediately.
// While it runs, the background goroutine is stopped; it is rebuilt on exit
// if machines remain registered.
func RunEventloop() error {
	globalLock.Acquire()
	if loop != nil && loop.manual {
		globalLock.Release()
		return ErrLoopBusy
	}
	if loop == nil {
		loop = &eventloop{}
	}
	l := loop
	l.manual = true
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	globalLock.Release()

	if stop != nil {
		close(stop)
		wakeEventloop()
		<-done
	}

	timer := time.NewTimer(eventloopTick)
	defer timer.Stop()

	for {
		globalLock.Acquire()
		removed := l.pass()
		empty := len(l.machines) == 0
		if removed > 0 || empty {
			l.manual = false
			if empty {
				if loop == l {
					loop = nil
				}
			} else {
				l.startBackground()
			}
			globalLock.Release()
			return nil
		}
		globalLock.Release()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(eventloopTick)

		select {
		case <-loopWake:
		case <-timer.C:
		}
	}
}
