package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/guard"
	"voicekeep/internal/metrics"
	"voicekeep/internal/ports"
	"voicekeep/internal/resolver"
	"voicekeep/internal/strategy"
)

// DefaultAudioActiveWakeTimeout bounds the wake lock held while the audio-active gate is open.
const DefaultAudioActiveWakeTimeout = 30 * time.Minute

// RunnerFactory builds strategy runners.
type RunnerFactory interface {
	NewRunner(kind domain.Strategy, onFailure strategy.FailureFunc) strategy.Runner
}

// Config controls resource holding behavior.
type Config struct {
	// WakeLockTimeout bounds the session wake lock; zero holds it until stop.
	WakeLockTimeout        time.Duration
	AudioActiveWakeTimeout time.Duration
	FocusAttributes        ports.AudioAttributes
	NotificationIcon       string
}

// SessionController owns the keep-alive session, its resource guards and the
// active strategy runner. Control operations are serialised by ctrlMu; mu
// guards the fields read by Status and by runner failure callbacks.
type SessionController struct {
	platform ports.Platform
	runners  RunnerFactory
	events   ports.EventSink
	cfg      Config
	logger   zerolog.Logger
	newID    func() string
	now      func() time.Time

	wakeLock *guard.Guard
	focus    *guard.Guard

	ctrlMu sync.Mutex

	mu          sync.Mutex
	state       domain.ControllerState
	current     *keepAliveSession
	quirks      *resolver.QuirkTable
	audioActive bool
	degraded    bool
}

// NewSessionController returns an idle controller. A nil quirk table selects the default one.
func NewSessionController(
	platform ports.Platform,
	runners RunnerFactory,
	events ports.EventSink,
	quirks *resolver.QuirkTable,
	cfg Config,
	logger zerolog.Logger,
) *SessionController {
	if cfg.AudioActiveWakeTimeout <= 0 {
		cfg.AudioActiveWakeTimeout = DefaultAudioActiveWakeTimeout
	}
	if cfg.FocusAttributes.Usage == "" {
		cfg.FocusAttributes = ports.AudioAttributes{
			Usage:       "voice_communication",
			ContentType: "speech",
			AllowRecord: true,
		}
	}
	if events == nil {
		events = noopSink{}
	}
	if quirks == nil {
		quirks = resolver.DefaultQuirkTable()
	}
	metrics.SetState(domain.StateIdle)

	return &SessionController{
		platform: platform,
		runners:  runners,
		events:   events,
		cfg:      cfg,
		logger:   logger,
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
		wakeLock: guard.NewWakeLock(platform.Power, logger),
		focus:    guard.NewAudioFocus(platform.Focus, cfg.FocusAttributes, logger),
		state:    domain.StateIdle,
		quirks:   quirks,
	}
}

// Start replaces any existing session with a new one and starts holding
// resources for it.
func (c *SessionController) Start(ctx context.Context, req StartRequest) error {
	if _, err := domain.ParseMode(int(req.Mode)); err != nil {
		return err
	}

	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	restarted := false
	if previous := c.session(); previous != nil {
		if err := c.teardown(previous); err != nil {
			c.logger.Warn().Err(err).Msg("previous session did not tear down cleanly")
		}
		restarted = true
	}

	c.mu.Lock()
	c.degraded = false
	c.mu.Unlock()
	c.setState(domain.StateStarting)

	choice := c.resolve(req.Mode)
	if choice == domain.StrategyNone {
		c.setState(domain.StateIdle)
		c.events.StateChanged(domain.StateIdle, domain.ReasonPermissionDenied)
		c.logger.Warn().Str("mode", req.Mode.String()).Msg("capture permission missing; session not started")
		return domain.ErrPermissionDenied
	}

	if err := c.wakeLock.Acquire(c.cfg.WakeLockTimeout); err != nil {
		c.degrade(domain.ResourceWakeLock, err)
	}

	info := domain.Session{
		ID:         c.newID(),
		Mode:       req.Mode,
		Title:      req.Title,
		Content:    req.Content,
		RoomParams: req.RoomParams,
		StartedAt:  c.now(),
	}
	handle, err := c.platform.Foreground.RegisterForegroundSession(ctx, ports.NotificationSpec{
		SessionID:  info.ID,
		Title:      req.Title,
		Content:    req.Content,
		Icon:       c.cfg.NotificationIcon,
		Microphone: req.Mode == domain.ModeAnchor,
	})
	if err != nil {
		c.wakeLock.Release()
		c.setState(domain.StateIdle)
		c.events.StateChanged(domain.StateIdle, domain.ReasonStartRolledBack)
		c.logger.Error().Err(err).Msg("foreground registration failed; start rolled back")
		return fmt.Errorf("%w: %v", domain.ErrServiceStart, err)
	}

	session := &keepAliveSession{info: info, foreground: handle}
	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	c.startRunner(ctx, session, choice)

	if req.Mode == domain.ModeAnchor {
		if err := c.focus.Acquire(0); err != nil {
			c.degrade(domain.ResourceAudioFocus, err)
		}
	}

	c.setState(domain.StateRunning)
	reason := domain.ReasonServiceStarted
	if restarted {
		reason = domain.ReasonServiceRestarted
	}
	c.events.StateChanged(domain.StateRunning, reason)
	c.logger.Info().
		Str("sessionId", info.ID).
		Str("mode", req.Mode.String()).
		Str("strategy", string(choice)).
		Msg("keep-alive session started")

	// audioActive outlives sessions; a new anchor starting in the background
	// with audio already active opens its gate right away.
	c.reevaluateGate(ctx)
	return nil
}

// Stop ends the session and releases everything. Calling it while idle is a no-op.
func (c *SessionController) Stop() error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	session := c.session()
	if session == nil {
		return nil
	}

	err := c.teardown(session)
	c.events.StateChanged(domain.StateIdle, domain.ReasonServiceStopped)
	c.logger.Info().Str("sessionId", session.info.ID).Msg("keep-alive session stopped")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrServiceStop, err)
	}
	return nil
}

// SetAudioActive records whether the room is carrying audio. Repeating the
// last value is a no-op.
func (c *SessionController) SetAudioActive(ctx context.Context, active bool) error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	c.mu.Lock()
	if c.audioActive == active {
		c.mu.Unlock()
		return nil
	}
	c.audioActive = active
	c.mu.Unlock()

	c.reevaluateGate(ctx)
	return nil
}

// AppForegroundChanged re-applies the audio-active gate after the host UI
// moved between foreground and background.
func (c *SessionController) AppForegroundChanged(ctx context.Context) {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	c.reevaluateGate(ctx)
}

// PauseForRealCapture hands the audio path to the host's own capture
// pipeline. The session and its strategy choice are kept.
func (c *SessionController) PauseForRealCapture() error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	session := c.session()
	switch state := c.currentState(); state {
	case domain.StatePaused:
		return nil
	case domain.StateRunning:
	default:
		return fmt.Errorf("%w: cannot pause from %s", domain.ErrInvalidTransition, state)
	}

	c.stopRunner(session)
	c.mu.Lock()
	session.paused = session.strategy
	c.mu.Unlock()

	c.setState(domain.StatePaused)
	c.events.StateChanged(domain.StatePaused, domain.ReasonPausedForCapture)
	c.logger.Info().Str("strategy", string(session.paused)).Msg("keep-alive paused for real capture")
	return nil
}

// ResumeAfterRealCapture restarts the keep-alive strategy once the host's
// capture pipeline has released the audio path.
func (c *SessionController) ResumeAfterRealCapture(ctx context.Context) error {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	if state := c.currentState(); state != domain.StatePaused {
		return fmt.Errorf("%w: cannot resume from %s", domain.ErrInvalidTransition, state)
	}
	session := c.session()

	// Signals that arrived during the pause are applied before the strategy
	// comes back.
	c.reevaluateGate(ctx)

	choice := c.resolve(session.info.Mode)
	c.mu.Lock()
	prior := session.paused
	session.paused = ""
	closed := session.gate == gateClosed
	if closed {
		session.strategy = choice
	}
	c.mu.Unlock()

	if !closed {
		c.startRunner(ctx, session, choice)
	}
	c.setState(domain.StateRunning)
	c.events.StateChanged(domain.StateRunning, domain.ReasonResumedAfterPause)
	c.logger.Info().Str("prior", string(prior)).Str("strategy", string(choice)).Msg("keep-alive resumed")
	return nil
}

// UpdateQuirkTable swaps the device allowlist and switches the running
// strategy if the decision changed.
func (c *SessionController) UpdateQuirkTable(ctx context.Context, table *resolver.QuirkTable) {
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()

	c.mu.Lock()
	c.quirks = table
	c.mu.Unlock()

	session := c.session()
	if session == nil || c.currentState() != domain.StateRunning {
		return
	}

	choice := c.resolve(session.info.Mode)
	c.mu.Lock()
	unchanged := choice == session.strategy
	hasRunner := session.runner != nil
	if !unchanged && !hasRunner {
		session.strategy = choice
	}
	c.mu.Unlock()
	if unchanged || !hasRunner {
		return
	}

	c.stopRunner(session)
	c.startRunner(ctx, session, choice)
	c.events.StateChanged(domain.StateRunning, domain.ReasonStrategySwitched)
	c.logger.Info().Str("strategy", string(choice)).Msg("keep-alive strategy switched")
}

// Status returns the current runtime status.
func (c *SessionController) Status() domain.Status {
	foreground := c.appInForeground()

	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.Status{
		State:           c.state,
		Strategy:        domain.StrategyNone,
		WakeLockHeld:    c.wakeLock.IsHeld(),
		AudioFocusHeld:  c.focus.IsHeld(),
		Degraded:        c.degraded,
		AudioActive:     c.audioActive,
		AppInForeground: foreground,
	}
	if c.current != nil {
		status.Strategy = c.current.strategy
		status.PausedStrategy = c.current.paused
		status.StrategyActive = c.current.strategyActive()
		status.Mode = c.current.info.Mode
		status.SessionID = c.current.info.ID
	}
	return status
}

// Session returns a copy of the current session, if any.
func (c *SessionController) Session() (domain.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return domain.Session{}, false
	}
	return c.current.info, true
}

// reevaluateGate applies the audio-active gate to a running or paused anchor
// session. While paused only the wake lock follows the gate; the runner is
// left to ResumeAfterRealCapture.
func (c *SessionController) reevaluateGate(ctx context.Context) {
	session := c.session()
	if session == nil || session.info.Mode != domain.ModeAnchor {
		return
	}
	state := c.currentState()
	if state != domain.StateRunning && state != domain.StatePaused {
		return
	}

	c.mu.Lock()
	active := c.audioActive
	open := session.gate == gateOpen
	c.mu.Unlock()

	want := active && !c.appInForeground() && c.permitted()
	if want == open {
		return
	}

	c.mu.Lock()
	if want {
		session.gate = gateOpen
	} else {
		session.gate = gateClosed
	}
	running := session.strategyActive()
	c.mu.Unlock()

	if !want {
		c.stopRunner(session)
		c.wakeLock.Release()
		c.events.StateChanged(state, domain.ReasonAudioInactive)
		c.logger.Info().Str("state", string(state)).Msg("audio-active gate closed; strategy and wake lock released")
		return
	}

	if !running && state == domain.StateRunning {
		c.stopRunner(session)
		c.startRunner(ctx, session, c.resolve(session.info.Mode))
	}
	c.wakeLock.Release()
	if err := c.wakeLock.Acquire(c.cfg.AudioActiveWakeTimeout); err != nil {
		c.degrade(domain.ResourceWakeLock, err)
	}
	c.events.StateChanged(state, domain.ReasonAudioActive)
	c.logger.Info().Dur("wakeTimeout", c.cfg.AudioActiveWakeTimeout).Msg("audio-active gate opened")
}

// startRunner records the strategy and starts its runner. Open failures
// leave the session running without an active strategy.
func (c *SessionController) startRunner(ctx context.Context, session *keepAliveSession, kind domain.Strategy) {
	c.mu.Lock()
	session.strategy = kind
	session.runner = nil
	c.mu.Unlock()

	if kind == domain.StrategyNone {
		c.strategyFailed(kind, domain.ErrPermissionDenied)
		return
	}

	var runner strategy.Runner
	runner = c.runners.NewRunner(kind, func(k domain.Strategy, err error) {
		c.runnerFailed(runner, k, err)
	})
	if runner == nil {
		return
	}

	// Recorded before Start so a failure reported by an early worker exit
	// is attributed to this session.
	c.mu.Lock()
	session.runner = runner
	c.mu.Unlock()

	if err := runner.Start(ctx); err != nil {
		c.mu.Lock()
		session.runner = nil
		c.mu.Unlock()
		c.strategyFailed(kind, err)
	}
}

// stopRunner stops and joins the active runner. The strategy record is kept.
func (c *SessionController) stopRunner(session *keepAliveSession) {
	c.mu.Lock()
	runner := session.runner
	session.runner = nil
	c.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
}

// teardown releases every resource of the session and returns to idle.
func (c *SessionController) teardown(session *keepAliveSession) error {
	c.setState(domain.StateStopping)

	c.stopRunner(session)
	c.focus.Release()
	c.wakeLock.Release()

	var err error
	if session.foreground != "" {
		err = c.unregister(session.foreground)
	}

	c.mu.Lock()
	if c.current == session {
		c.current = nil
	}
	c.mu.Unlock()
	c.setState(domain.StateIdle)
	return err
}

func (c *SessionController) unregister(handle ports.ForegroundHandle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("foreground unregister panicked: %v", r)
		}
	}()
	if err := c.platform.Foreground.UnregisterForegroundSession(handle); err != nil {
		c.logger.Warn().Err(err).Msg("foreground unregister failed")
		return err
	}
	return nil
}

// runnerFailed is called on the runner's worker goroutine. It must not take
// ctrlMu: Stop may be holding it while joining that same worker.
func (c *SessionController) runnerFailed(runner strategy.Runner, kind domain.Strategy, err error) {
	c.mu.Lock()
	current := c.current != nil && c.current.runner == runner
	c.mu.Unlock()
	if !current {
		return
	}
	c.strategyFailed(kind, err)
}

func (c *SessionController) strategyFailed(kind domain.Strategy, err error) {
	code := domain.ErrorCodeStrategyFailed
	if errors.Is(err, domain.ErrPermissionDenied) {
		code = domain.ErrorCodePermissionDenied
	}
	metrics.StrategyFailed(kind, code)
	c.logger.Error().Err(err).Str("strategy", string(kind)).Msg("keep-alive strategy failed; session continues best-effort")
	c.events.StrategyFailed(kind, code, err.Error())
}

func (c *SessionController) degrade(resource domain.Resource, err error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()
	c.events.ResourceDegraded(resource, err.Error())
}

func (c *SessionController) resolve(mode domain.Mode) domain.Strategy {
	var profile domain.DeviceProfile
	if c.platform.Device != nil {
		p, err := c.platform.Device.Profile()
		if err != nil {
			c.logger.Warn().Err(err).Msg("device profile unavailable; assuming unlisted device")
		} else {
			profile = p
		}
	}

	c.mu.Lock()
	quirks := c.quirks
	c.mu.Unlock()

	return resolver.Resolve(resolver.Input{
		Mode:    mode,
		Device:  profile,
		Granted: map[string]bool{domain.PermissionRecordAudio: c.permitted()},
	}, quirks)
}

func (c *SessionController) permitted() bool {
	return c.platform.Permissions != nil && c.platform.Permissions.Granted(domain.PermissionRecordAudio)
}

func (c *SessionController) appInForeground() bool {
	return c.platform.Lifecycle != nil && c.platform.Lifecycle.IsForeground()
}

func (c *SessionController) session() *keepAliveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *SessionController) currentState() domain.ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SessionController) setState(state domain.ControllerState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	metrics.SetState(state)
}

type noopSink struct{}

func (noopSink) StateChanged(domain.ControllerState, domain.StateReason)  {}
func (noopSink) StrategyFailed(domain.Strategy, domain.ErrorCode, string) {}
func (noopSink) ResourceDegraded(domain.Resource, string)                 {}
