package usecase

import (
	"sync"
	"time"
)

const defaultListeningWindow = 60 * time.Second

// ListeningWindow is the resettable grace period after a completed turn during
// which speech is accepted without a wake word.
type ListeningWindow struct {
	clock    Clock
	duration time.Duration
	onExpire func()

	mu     sync.Mutex
	timer  Timer
	gen    uint64
	active bool
}

func NewListeningWindow(clock Clock, duration time.Duration, onExpire func()) *ListeningWindow {
	if clock == nil {
		clock = SystemClock
	}
	if duration <= 0 {
		duration = defaultListeningWindow
	}
	return &ListeningWindow{clock: clock, duration: duration, onExpire: onExpire}
}

// StartOrReset (re)starts the full window from now.
func (w *ListeningWindow) StartOrReset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()
	w.active = true
	gen := w.gen
	w.timer = w.clock.AfterFunc(w.duration, func() { w.expire(gen) })
}

// Stop cancels the window unconditionally.
func (w *ListeningWindow) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.active = false
}

func (w *ListeningWindow) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *ListeningWindow) expire(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	w.timer = nil
	w.mu.Unlock()

	if w.onExpire != nil {
		w.onExpire()
	}
}

func (w *ListeningWindow) stopLocked() {
	w.gen++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
