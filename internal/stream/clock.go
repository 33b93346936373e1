// ABOUTME: Minimal clock abstraction so debounce timing is testable.
// ABOUTME: Sessions arm single-shot timers through it instead of time.AfterFunc.

package stream

import "time"

// Clock creates single-shot timers. The production implementation wraps
// time.AfterFunc; tests substitute a manual clock and fire timers
// deterministically without wall-clock waits.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a stoppable single-shot timer handle.
type Timer interface {
	Stop() bool
}

// SystemClock is the wall-clock Clock used outside tests.
type SystemClock struct{}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return systemTimer{time.AfterFunc(d, f)}
}

type systemTimer struct{ t *time.Timer }

func (s systemTimer) Stop() bool { return s.t.Stop() }
