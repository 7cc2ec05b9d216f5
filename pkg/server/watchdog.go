package server

import (
	"sync"
	"time"
)

// watchdogs holds the stream-open deadlines of established connections.
type watchdogs struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func newWatchdogs() *watchdogs {
	return &watchdogs{timers: make(map[string]*time.Timer)}
}

// Arm runs fire after d unless id is canceled first. Arming an id again
// replaces its deadline. It reports false once the set is closed.
func (w *watchdogs) Arm(id string, d time.Duration, fire func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	if old := w.timers[id]; old != nil {
		old.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		w.mu.Lock()
		if w.timers[id] != t {
			w.mu.Unlock()
			return
		}
		delete(w.timers, id)
		w.mu.Unlock()
		fire()
	})
	w.timers[id] = t
	return true
}

// Cancel disarms id and reports whether it was pending.
func (w *watchdogs) Cancel(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(w.timers, id)
	return true
}

// CancelAll disarms every deadline and refuses further arms.
func (w *watchdogs) CancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

// Pending is the number of armed deadlines.
func (w *watchdogs) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}
