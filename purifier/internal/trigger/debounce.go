// Package trigger coalesces scan requests. Every signal restarts a quiet
// window; the scan runs once the window expires without a new signal.
package trigger

import "time"

// DefaultWindow is the quiet period used when none is configured.
const DefaultWindow = 1000 * time.Millisecond

// Debouncer is a resettable one-shot timer. It is driven from a single
// event loop: the loop calls Signal, selects on C, and calls Fire when C
// delivers. It is not safe for concurrent use.
type Debouncer struct {
	window  time.Duration
	timer   *time.Timer
	timerCh <-chan time.Time
	signals int
}

// New creates a debouncer. A window <= 0 uses DefaultWindow.
func New(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{window: window}
}

// Window returns the quiet period.
func (d *Debouncer) Window() time.Duration { return d.window }

// Signal asks for a scan and (re)starts the window.
func (d *Debouncer) Signal() {
	d.signals++
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.window)
	d.timerCh = d.timer.C
}

// C returns the channel that fires when the window expires. It is nil while
// no scan is pending, so a select on it blocks.
func (d *Debouncer) C() <-chan time.Time {
	return d.timerCh
}

// Pending reports whether a scan is waiting for the window to expire.
func (d *Debouncer) Pending() bool { return d.timerCh != nil }

// Fire consumes the pending scan and returns how many signals it coalesced.
func (d *Debouncer) Fire() int {
	n := d.signals
	d.signals = 0
	d.Stop()
	return n
}

// Stop cancels a pending scan.
func (d *Debouncer) Stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}
