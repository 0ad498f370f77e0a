package guard

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/metrics"
	"voicekeep/internal/ports"
)

// ErrFocusDenied is returned when the routing policy refuses audio focus.
var ErrFocusDenied = fmt.Errorf("%w: audio focus denied", domain.ErrResourceAcquireFailed)

// Guard wraps one singular OS resource. The held flag is the only record of
// ownership; Acquire and Release both consult it under the lock.
type Guard struct {
	resource domain.Resource
	acquire  func(timeout time.Duration) error
	release  func() error
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	held    bool
	expires time.Time
}

// NewWakeLock guards the CPU wake lock.
func NewWakeLock(power ports.PowerManager, logger zerolog.Logger) *Guard {
	return newGuard(domain.ResourceWakeLock, power.AcquireWakeLock, power.ReleaseWakeLock, logger)
}

// NewAudioFocus guards the audio focus grant for the given attributes.
func NewAudioFocus(focus ports.AudioFocus, attrs ports.AudioAttributes, logger zerolog.Logger) *Guard {
	return newGuard(
		domain.ResourceAudioFocus,
		func(time.Duration) error {
			if err := focus.RequestAudioFocus(attrs); err != nil {
				return fmt.Errorf("%w: %v", ErrFocusDenied, err)
			}
			return nil
		},
		focus.AbandonAudioFocus,
		logger,
	)
}

func newGuard(resource domain.Resource, acquire func(time.Duration) error, release func() error, logger zerolog.Logger) *Guard {
	return &Guard{
		resource: resource,
		acquire:  acquire,
		release:  release,
		logger:   logger.With().Str("resource", string(resource)).Logger(),
		now:      time.Now,
	}
}

// Resource reports which resource the guard owns.
func (g *Guard) Resource() domain.Resource {
	return g.resource
}

// Acquire takes the resource. A second call while held is a no-op. A non-zero
// timeout bounds the hold; once it elapses the guard no longer reports held.
func (g *Guard) Acquire(timeout time.Duration) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.heldLocked() {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", domain.ErrResourceAcquireFailed, g.resource, r)
		}
		if err != nil {
			metrics.ResourceAcquireFailed(g.resource)
			g.logger.Warn().Err(err).Msg("resource acquire failed; continuing degraded")
		}
	}()

	if acquireErr := g.acquire(timeout); acquireErr != nil {
		if errors.Is(acquireErr, domain.ErrResourceAcquireFailed) {
			return acquireErr
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrResourceAcquireFailed, g.resource, acquireErr)
	}

	g.held = true
	g.expires = time.Time{}
	if timeout > 0 {
		g.expires = g.now().Add(timeout)
	}
	metrics.SetResourceHeld(g.resource, true)
	g.logger.Debug().Dur("timeout", timeout).Msg("resource acquired")
	return nil
}

// Release gives the resource back. It is always safe to call; platform
// errors and panics are logged and swallowed.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return
	}
	g.held = false
	g.expires = time.Time{}
	metrics.SetResourceHeld(g.resource, false)

	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn().Interface("panic", r).Msg("resource release panicked")
		}
	}()
	if err := g.release(); err != nil {
		g.logger.Warn().Err(err).Msg("resource release failed")
		return
	}
	g.logger.Debug().Msg("resource released")
}

// IsHeld reports whether the resource is currently held.
func (g *Guard) IsHeld() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heldLocked()
}

func (g *Guard) heldLocked() bool {
	if !g.held {
		return false
	}
	if !g.expires.IsZero() && !g.now().Before(g.expires) {
		// The platform dropped a timed hold on its own.
		g.held = false
		g.expires = time.Time{}
		metrics.SetResourceHeld(g.resource, false)
		return false
	}
	return true
}
