package capture

import "time"

// Watchdog keeps at most one live timeout timer per session.
// It is not safe for concurrent use; the machine calls it under its lock.
type Watchdog struct {
	clock   Clock
	timeout time.Duration
	timer   Timer
	gen     uint64
}

// NewWatchdog returns a disarmed watchdog.
func NewWatchdog(clock Clock, timeout time.Duration) *Watchdog {
	return &Watchdog{clock: clock, timeout: timeout}
}

// Arm cancels any pending timer and schedules fire after the timeout.
// fire receives the generation it was armed with; see Current.
func (w *Watchdog) Arm(fire func(gen uint64)) {
	w.Stop()
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.timeout, func() { fire(gen) })
}

// Stop cancels the pending timer, if any. A callback that already started
// will see Current(gen) == false.
func (w *Watchdog) Stop() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Current reports whether gen belongs to the live timer.
func (w *Watchdog) Current(gen uint64) bool {
	return w.timer != nil && gen == w.gen
}
