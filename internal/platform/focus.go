package platform

import (
	"errors"
	"fmt"
	"sync"

	"voicekeep/internal/ports"
)

var errFocusUsage = errors.New("audio focus request needs a usage")

// FocusArbiter grants process-wide audio focus to one holder at a time. An
// exclusive holder such as a call blocks every request until it leaves.
type FocusArbiter struct {
	mu        sync.Mutex
	held      bool
	attrs     ports.AudioAttributes
	exclusive string
}

func NewFocusArbiter() *FocusArbiter {
	return &FocusArbiter{}
}

func (f *FocusArbiter) RequestAudioFocus(attrs ports.AudioAttributes) error {
	if attrs.Usage == "" {
		return errFocusUsage
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exclusive != "" {
		return fmt.Errorf("audio focus held exclusively by %s", f.exclusive)
	}
	f.held = true
	f.attrs = attrs
	return nil
}

func (f *FocusArbiter) AbandonAudioFocus() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.attrs = ports.AudioAttributes{}
	return nil
}

// Preempt hands focus to an exclusive holder and drops the current grant.
func (f *FocusArbiter) Preempt(holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclusive = holder
	f.held = false
	f.attrs = ports.AudioAttributes{}
}

// ReleaseExclusive lets requests through again.
func (f *FocusArbiter) ReleaseExclusive() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exclusive = ""
}

// Current returns the granted attributes, if any.
func (f *FocusArbiter) Current() (ports.AudioAttributes, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attrs, f.held
}
