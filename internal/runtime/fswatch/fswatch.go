// Package fswatch holds the pieces shared by the self-healing fsnotify
// loops: restart backoff and error classification.
package fswatch

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DefaultBackoffBase = 250 * time.Millisecond
	DefaultBackoffMax  = 5 * time.Second
)

// Backoff is a jittered exponential restart delay. The zero value uses the
// defaults.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	mu  sync.Mutex
	cur time.Duration
	rng *rand.Rand
}

// Next returns the delay to wait now and advances the backoff.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	base, maxD := b.limits()
	if b.cur <= 0 {
		b.cur = base
	}
	if b.rng == nil {
		// local RNG to avoid global contention
		b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	wait := b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
	b.cur = min(b.cur*2, maxD)
	return wait
}

// Reset goes back to the base delay after a successful start.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.cur = 0
	b.mu.Unlock()
}

// Sleep waits Next(). It returns false if ctx ended first.
func (b *Backoff) Sleep(ctx context.Context) bool {
	t := time.NewTimer(b.Next())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (b *Backoff) limits() (time.Duration, time.Duration) {
	base, maxD := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if maxD < base {
		maxD = max(DefaultBackoffMax, base)
	}
	return base, maxD
}

// ErrorClass groups fsnotify errors by how a watch loop reacts.
type ErrorClass int

const (
	Ignore ErrorClass = iota
	// Overflow means events were lost; rescan.
	Overflow
	// Closed means the watcher is unusable; recreate it.
	Closed
	Other
)

// Classify sorts an error from fsnotify.Watcher.Errors.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return Ignore
	case errors.Is(err, fsnotify.ErrEventOverflow):
		return Overflow
	case errors.Is(err, fsnotify.ErrClosed):
		return Closed
	}
	// Some backends only surface these as text.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "overflow"):
		return Overflow
	case strings.Contains(msg, "closed"):
		return Closed
	}
	return Other
}
