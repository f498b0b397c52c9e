package reindex

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerLeadingEdgeWindow(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	fired := make(chan time.Time, 4)
	d := NewDebouncer(ConstDelay(60*time.Millisecond), func() {
		calls.Add(1)
		fired <- time.Now()
	})
	defer d.Close()

	start := time.Now()
	d.Call()
	// Calls inside the window never push it out.
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		if !d.Call() {
			t.Fatal("Call rejected on open debouncer")
		}
	}

	select {
	case at := <-fired:
		if at.Sub(start) > 200*time.Millisecond {
			t.Fatalf("window was extended: fired after %v", at.Sub(start))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("action never fired")
	}
	time.Sleep(100 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("action ran %d times, want 1", got)
	}
}

func TestDebouncerFlushRunsInline(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := NewDebouncer(ConstDelay(time.Hour), func() { calls.Add(1) })
	defer d.Close()

	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush on idle: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatal("Flush on idle ran the action")
	}

	d.Call()
	if !d.Pending() {
		t.Fatal("expected pending window")
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if calls.Load() != 1 || d.Pending() {
		t.Fatalf("calls = %d, pending = %v", calls.Load(), d.Pending())
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("second Flush ran the action again")
	}
}

func TestDebouncerActionsDoNotOverlap(t *testing.T) {
	t.Parallel()
	var active, peak, calls atomic.Int32
	var d *Debouncer
	d = NewDebouncer(ConstDelay(0), func() {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		if calls.Add(1) == 1 {
			// Arm the next window from inside the action.
			d.Call()
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
	})
	defer d.Close()

	d.Call()
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if peak.Load() != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak.Load())
	}
}

func TestDebouncerCloseCancels(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := NewDebouncer(ConstDelay(20*time.Millisecond), func() { calls.Add(1) })
	d.Call()
	d.Close()
	if d.Call() {
		t.Fatal("Call accepted after Close")
	}
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after Close: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("action ran %d times after Close", calls.Load())
	}
}

func TestDebouncerFlushHonoursContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	d := NewDebouncer(ConstDelay(0), func() {
		close(started)
		<-release
	})
	defer d.Close()
	d.Call()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Flush(ctx); err == nil {
		t.Fatal("Flush returned nil while the action was blocked")
	}
	close(release)
}

func TestDebouncerDelayFuncReadEachWindow(t *testing.T) {
	t.Parallel()
	var delay atomic.Int64
	delay.Store(int64(time.Hour))
	fired := make(chan struct{}, 2)
	d := NewDebouncer(func() time.Duration { return time.Duration(delay.Load()) }, func() { fired <- struct{}{} })
	defer d.Close()

	d.Call()
	if err := d.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	<-fired

	delay.Store(int64(5 * time.Millisecond))
	d.Call()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("new delay was not picked up")
	}
}
