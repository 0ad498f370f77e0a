package lifecycle

import "sync"

// Tracker counts resumed host windows. The app is in the foreground while at
// least one window is resumed.
type Tracker struct {
	mu       sync.Mutex
	resumed  int
	onChange func(foreground bool)
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// OnChange registers a callback invoked after every foreground flip. The
// callback runs outside the tracker lock.
func (t *Tracker) OnChange(fn func(foreground bool)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Resumed records a window coming to the front.
func (t *Tracker) Resumed() {
	t.update(func() { t.resumed++ })
}

// Paused records a window leaving the front. Unbalanced calls are ignored.
func (t *Tracker) Paused() {
	t.update(func() {
		if t.resumed > 0 {
			t.resumed--
		}
	})
}

// Set forces the foreground state, for hosts that only report a single flag.
func (t *Tracker) Set(foreground bool) {
	t.update(func() {
		if foreground {
			if t.resumed == 0 {
				t.resumed = 1
			}
			return
		}
		t.resumed = 0
	})
}

func (t *Tracker) IsForeground() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumed > 0
}

func (t *Tracker) update(mutate func()) {
	t.mu.Lock()
	before := t.resumed > 0
	mutate()
	after := t.resumed > 0
	fn := t.onChange
	t.mu.Unlock()

	if before != after && fn != nil {
		fn(after)
	}
}
