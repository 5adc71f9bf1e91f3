package trigger

import (
	"testing"
	"time"
)

func TestDebouncer_CoalescesBurst(t *testing.T) {
	d := New(0)
	if d.Window() != DefaultWindow {
		t.Fatalf("Window = %v, want %v", d.Window(), DefaultWindow)
	}

	var last time.Time
	for i := range 3 {
		if i > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		last = time.Now()
		d.Signal()
	}

	select {
	case fired := <-d.C():
		if wait := fired.Sub(last); wait < DefaultWindow {
			t.Fatalf("fired %v after the last signal, want >= %v", wait, DefaultWindow)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("debouncer never fired")
	}
	if n := d.Fire(); n != 3 {
		t.Fatalf("Fire coalesced %d signals, want 3", n)
	}

	// Exactly one scan: nothing is pending afterwards.
	if d.Pending() || d.C() != nil {
		t.Fatal("debouncer still pending after Fire")
	}
}

func TestDebouncer_SignalResetsWindow(t *testing.T) {
	d := New(80 * time.Millisecond)
	start := time.Now()
	d.Signal()
	time.Sleep(50 * time.Millisecond)
	d.Signal()

	<-d.C()
	if elapsed := time.Since(start); elapsed < 130*time.Millisecond {
		t.Fatalf("fired after %v, window was not reset", elapsed)
	}
	d.Fire()
}

func TestDebouncer_Stop(t *testing.T) {
	d := New(20 * time.Millisecond)
	d.Signal()
	d.Stop()
	if d.C() != nil {
		t.Fatal("C should be nil after Stop")
	}
	select {
	case <-d.C():
		t.Fatal("nil channel delivered")
	case <-time.After(60 * time.Millisecond):
	}
}
