package vm

import (
	"sync/atomic"
	"time"
)

// TimerFreq is the guest timebase frequency in ticks per second.
const TimerFreq = 10_000_000

// guestTimer is the machine-wide monotonic guest clock. It is reseeded on
// every machine reset so guests always boot at tick zero.
type guestTimer struct {
	base atomic.Int64 // host nanoseconds at guest tick zero
}

func (t *guestTimer) reseed() {
	t.base.Store(time.Now().UnixNano())
}

func (t *guestTimer) now() uint64 {
	elapsed := time.Now().UnixNano() - t.base.Load()
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed) / (1_000_000_000 / TimerFreq)
}

// TimerNow returns the current guest timer value.
func (m *Machine) TimerNow() uint64 { return m.timer.now() }
