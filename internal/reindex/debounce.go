package reindex

import (
	"context"
	"sync"
	"time"
)

// ConstDelay returns a delay func that always yields d.
func ConstDelay(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

// Debouncer runs an action once per window. The window is armed by the
// first Call and is not extended by later calls, so the worst-case latency
// is a single delay. Actions never overlap.
type Debouncer struct {
	delay  func() time.Duration
	action func()

	mu      sync.Mutex
	timer   *time.Timer
	pending *window   // armed, timer running
	queued  []*window // expired, waiting for the executing action
	firing  *window   // action executing
	closed  bool
}

type window struct {
	done chan struct{}
}

// NewDebouncer returns a Debouncer that runs action once per window. A nil
// delay means no wait.
func NewDebouncer(delay func() time.Duration, action func()) *Debouncer {
	if delay == nil {
		delay = ConstDelay(0)
	}
	return &Debouncer{delay: delay, action: action}
}

// Call arms a window unless one is already armed. It reports whether the
// debouncer accepted the call (false once closed).
func (d *Debouncer) Call() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	if d.pending != nil {
		return true
	}
	w := &window{done: make(chan struct{})}
	d.pending = w
	wait := d.delay()
	if wait < 0 {
		wait = 0
	}
	d.timer = time.AfterFunc(wait, func() { d.fire(w) })
	return true
}

// Flush runs the armed action now, in the caller's goroutine, or waits for
// the executing one. It returns once that action has completed.
func (d *Debouncer) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if w := d.pending; w != nil {
		// Whoever clears pending owns the window; a timer that already
		// fired will see it gone and back off.
		d.pending = nil
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		return d.startLocked(ctx, w, false)
	}
	w := d.firing
	if w == nil && len(d.queued) > 0 {
		w = d.queued[0]
	}
	d.mu.Unlock()
	if w == nil {
		return nil
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the armed window and rejects further calls. An executing
// action is left to finish.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if w := d.pending; w != nil {
		d.pending = nil
		close(w.done)
	}
}

// Pending reports whether a window is armed, waiting, or executing.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil || d.firing != nil || len(d.queued) > 0
}

func (d *Debouncer) fire(w *window) {
	d.mu.Lock()
	if d.pending != w {
		d.mu.Unlock()
		return
	}
	d.pending = nil
	d.timer = nil
	_ = d.startLocked(context.Background(), w, false)
}

// startLocked must be called with d.mu held; it releases it. It waits for
// the executing action, then runs w. w always completes, even when ctx ends
// while waiting: a background goroutine takes over.
func (d *Debouncer) startLocked(ctx context.Context, w *window, queued bool) error {
	for d.firing != nil {
		if !queued {
			d.queued = append(d.queued, w)
			queued = true
		}
		prev := d.firing.done
		d.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				d.mu.Lock()
				_ = d.startLocked(context.Background(), w, true)
			}()
			return ctx.Err()
		}
		d.mu.Lock()
	}
	if queued {
		for i, q := range d.queued {
			if q == w {
				d.queued = append(d.queued[:i], d.queued[i+1:]...)
				break
			}
		}
	}
	d.firing = w
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.firing == w {
			d.firing = nil
		}
		d.mu.Unlock()
		close(w.done)
	}()
	if d.action != nil {
		d.action()
	}
	return nil
}
