package usecase

import (
	"voicekeep/internal/domain"
	"voicekeep/internal/ports"
	"voicekeep/internal/strategy"
)

// StartRequest carries the startService arguments.
type StartRequest struct {
	Mode       domain.Mode
	Title      string
	Content    string
	RoomParams string
}

// keepAliveSession is the controller's record of the current session. All
// mutable fields are guarded by SessionController.mu.
type keepAliveSession struct {
	info       domain.Session
	foreground ports.ForegroundHandle

	strategy domain.Strategy
	paused   domain.Strategy
	runner   strategy.Runner

	gate gateState
}

// gateState tracks the audio-active safety net of an anchor session.
type gateState int

const (
	// gateIdle: never opened; the session holds what Start acquired.
	gateIdle gateState = iota
	// gateOpen: strategy and a bounded wake lock are held for a
	// backgrounded anchor carrying audio.
	gateOpen
	// gateClosed: the gate was open and closed again. Strategy and wake lock
	// stay released until it reopens, across pause and resume.
	gateClosed
)

func (s *keepAliveSession) strategyActive() bool {
	return s.runner != nil && s.runner.Active()
}
