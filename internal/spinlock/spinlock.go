// Package spinlock provides the hybrid lock used for the short critical
// sections of the machine registry and structural machine state.
//
// Callers spin briefly before falling back to sleeping retries, and the total
// wait is bounded by a watchdog: exceeding it logs a likely-deadlock warning
// and force-acquires instead of hanging the process. Losing strictness on a
// wedged lock is preferable to wedging every machine in the process.
package spinlock

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	spinRetries   = 60
	sleepInterval = time.Millisecond

	// DefaultWatchdog bounds how long Acquire waits before it assumes the
	// holder is wedged.
	DefaultWatchdog = 5 * time.Second
)

var deadlockWarn = rate.Sometimes{First: 1, Interval: 10 * time.Second}

// Lock is a hybrid spinlock. The zero value is unlocked and ready for use.
//
// Lock must not be copied after first use and is not reentrant.
type Lock struct {
	state atomic.Int32

	// Name appears in the watchdog warning. Optional.
	Name string

	// Watchdog overrides DefaultWatchdog when non-zero.
	Watchdog time.Duration
}

// TryAcquire acquires the lock without blocking and reports whether it
// succeeded.
func (l *Lock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Acquire takes the lock. It spins a bounded number of times, then retries
// with millisecond sleeps until the watchdog expires. A watchdog expiry is
// logged and the lock is taken over from its presumed-dead holder.
func (l *Lock) Acquire() {
	for i := 0; i < spinRetries; i++ {
		if l.TryAcquire() {
			return
		}
		runtime.Gosched()
	}

	watchdog := l.Watchdog
	if watchdog == 0 {
		watchdog = DefaultWatchdog
	}
	deadline := time.Now().Add(watchdog)

	for !l.TryAcquire() {
		if time.Now().After(deadline) {
			deadlockWarn.Do(func() {
				slog.Warn("spinlock: lock held past watchdog, assuming deadlock and proceeding",
					"lock", l.Name, "watchdog", watchdog)
			})
			l.state.Store(1)
			return
		}
		time.Sleep(sleepInterval)
	}
}

// Release unlocks the lock.
func (l *Lock) Release() {
	l.state.Store(0)
}
