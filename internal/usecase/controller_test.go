package usecase

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voicekeep/internal/domain"
	"voicekeep/internal/ports"
	"voicekeep/internal/resolver"
	"voicekeep/internal/strategy"
)

func TestStartAudienceThenStopReleasesEverything(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience, Title: "T", Content: "C"})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	status := ctrl.Status()
	if status.State != domain.StateRunning || status.Strategy != domain.StrategySilentPlayback || !status.StrategyActive {
		t.Fatalf("unexpected status after start: %+v", status)
	}
	if !status.WakeLockHeld {
		t.Fatalf("expected wake lock held")
	}
	if status.AudioFocusHeld {
		t.Fatalf("audience sessions must not take audio focus")
	}
	if got := env.foreground.lastSpec(); got.Title != "T" || got.Content != "C" || got.Microphone {
		t.Fatalf("unexpected notification spec: %+v", got)
	}
	if env.audio.openHandles() != 1 {
		t.Fatalf("expected one open playback handle, got %d", env.audio.openHandles())
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	status = ctrl.Status()
	if status.State != domain.StateIdle || status.StrategyActive || status.WakeLockHeld || status.AudioFocusHeld {
		t.Fatalf("unexpected status after stop: %+v", status)
	}
	if status.SessionID != "" {
		t.Fatalf("expected session to be cleared")
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("expected no open handles after stop, got %d", env.audio.openHandles())
	}
	if env.foreground.active() != 0 {
		t.Fatalf("expected foreground registration to be removed")
	}

	states := env.events.snapshotStates()
	if states[0].reason != domain.ReasonServiceStarted || states[len(states)-1].reason != domain.ReasonServiceStopped {
		t.Fatalf("unexpected state events: %+v", states)
	}
}

func TestStartAnchorPermissionDeniedHoldsNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.permissions.set(false)
	ctrl := env.controller(nil)

	err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor, Title: "T"})
	if !errors.Is(err, domain.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if domain.CodeFor(err) != domain.ErrorCodePermissionDenied {
		t.Fatalf("unexpected code %s", domain.CodeFor(err))
	}

	status := ctrl.Status()
	if status.State != domain.StateIdle || status.WakeLockHeld || status.AudioFocusHeld || status.StrategyActive {
		t.Fatalf("expected nothing held, got %+v", status)
	}
	if env.power.acquireCount() != 0 || env.focus.requestCount() != 0 {
		t.Fatalf("guards must not be acquired on permission denial")
	}
	if env.audio.totalOpens() != 0 {
		t.Fatalf("expected no stream to be opened")
	}
	if env.foreground.registrations() != 0 {
		t.Fatalf("expected no foreground registration")
	}
}

func TestStopTwiceIsNoop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("first stop failed: %v", err)
	}
	eventsAfterFirst := len(env.events.snapshotStates())
	releases := env.power.releaseCount()

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("second stop must not fail: %v", err)
	}
	if got := len(env.events.snapshotStates()); got != eventsAfterFirst {
		t.Fatalf("second stop must not emit events")
	}
	if env.power.releaseCount() != releases {
		t.Fatalf("second stop must not release again")
	}
}

func TestStopWithoutSessionIsNoop(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop while idle failed: %v", err)
	}
}

func TestAnchorOnUnlistedDeviceUsesSilentPlayback(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.device.profile = domain.DeviceProfile{Vendor: "google", OSVersion: 34}
	ctrl := env.controller(resolver.DefaultQuirkTable())

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()

	status := ctrl.Status()
	if status.Strategy != domain.StrategySilentPlayback {
		t.Fatalf("expected silent playback, got %s", status.Strategy)
	}
	if env.audio.captureOpens.Load() != 0 {
		t.Fatalf("fake capture must never be chosen on unlisted devices")
	}
	if !status.AudioFocusHeld {
		t.Fatalf("anchor sessions must hold audio focus")
	}
	if !env.foreground.lastSpec().Microphone {
		t.Fatalf("anchor registration must be flagged as microphone")
	}
}

func TestAnchorOnListedDeviceUsesFakeCapture(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.device.profile = domain.DeviceProfile{Vendor: "Xiaomi", OSVersion: 33}
	ctrl := env.controller(resolver.DefaultQuirkTable())

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()

	status := ctrl.Status()
	if status.Strategy != domain.StrategyFakeCapture || !status.StrategyActive {
		t.Fatalf("expected active fake capture, got %+v", status)
	}
	if env.audio.playbackOpens.Load() != 0 {
		t.Fatalf("expected no playback stream")
	}
}

func TestPauseResumeRestoresStrategy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.device.profile = domain.DeviceProfile{Vendor: "xiaomi", OSVersion: 33}
	ctrl := env.controller(resolver.DefaultQuirkTable())

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	before := ctrl.Status().Strategy

	if err := ctrl.PauseForRealCapture(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	paused := ctrl.Status()
	if paused.State != domain.StatePaused || paused.PausedStrategy != before || paused.StrategyActive {
		t.Fatalf("unexpected paused status: %+v", paused)
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("pause must release the audio handle, got %d open", env.audio.openHandles())
	}
	if !paused.WakeLockHeld {
		t.Fatalf("pause keeps the wake lock")
	}
	if err := ctrl.PauseForRealCapture(); err != nil {
		t.Fatalf("second pause should be a no-op, got %v", err)
	}

	if err := ctrl.ResumeAfterRealCapture(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	resumed := ctrl.Status()
	if resumed.State != domain.StateRunning || resumed.Strategy != before || !resumed.StrategyActive {
		t.Fatalf("unexpected resumed status: %+v", resumed)
	}
	if resumed.PausedStrategy != "" {
		t.Fatalf("paused strategy must be cleared on resume")
	}
	if env.audio.openHandles() != 1 {
		t.Fatalf("expected exactly one open handle after resume, got %d", env.audio.openHandles())
	}
	if env.audio.maxOpen.Load() > 1 {
		t.Fatalf("audio device was held twice concurrently")
	}
}

func TestAudioInactiveDuringPauseKeepsResourcesReleasedAfterResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	if err := ctrl.SetAudioActive(ctx, true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	if err := ctrl.PauseForRealCapture(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	if err := ctrl.SetAudioActive(ctx, false); err != nil {
		t.Fatalf("set audio inactive failed: %v", err)
	}
	if status := ctrl.Status(); status.State != domain.StatePaused || status.WakeLockHeld {
		t.Fatalf("audio going inactive while paused must release the wake lock, got %+v", status)
	}

	if err := ctrl.ResumeAfterRealCapture(ctx); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if err := ctrl.SetAudioActive(ctx, false); err != nil {
		t.Fatalf("repeat audio inactive failed: %v", err)
	}

	status := ctrl.Status()
	if status.State != domain.StateRunning || status.Strategy != domain.StrategySilentPlayback {
		t.Fatalf("unexpected resumed status: %+v", status)
	}
	if status.StrategyActive || status.WakeLockHeld || status.AudioActive {
		t.Fatalf("expected strategy and wake lock to stay released, got %+v", status)
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("expected no open handle, got %d", env.audio.openHandles())
	}

	if err := ctrl.SetAudioActive(ctx, true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	if status := ctrl.Status(); !status.StrategyActive || !status.WakeLockHeld {
		t.Fatalf("reopening the gate must restart the strategy, got %+v", status)
	}
	if got := env.power.lastTimeout(); got != DefaultAudioActiveWakeTimeout {
		t.Fatalf("expected bounded wake lock of %s, got %s", DefaultAudioActiveWakeTimeout, got)
	}
}

func TestAudioActiveDuringPauseOpensGateOnResume(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	if err := ctrl.PauseForRealCapture(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}

	if err := ctrl.SetAudioActive(ctx, true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("the gate must not reopen audio while paused, got %d open", env.audio.openHandles())
	}
	if got := env.power.lastTimeout(); got != DefaultAudioActiveWakeTimeout {
		t.Fatalf("expected bounded wake lock while paused, got %s", got)
	}

	if err := ctrl.ResumeAfterRealCapture(ctx); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if status := ctrl.Status(); !status.StrategyActive || !status.WakeLockHeld {
		t.Fatalf("expected strategy and wake lock after resume, got %+v", status)
	}

	env.lifecycle.foreground.Store(true)
	ctrl.AppForegroundChanged(ctx)
	if status := ctrl.Status(); status.StrategyActive || status.WakeLockHeld {
		t.Fatalf("foregrounding must close the gate after resume, got %+v", status)
	}
}

func TestNewSessionAppliesCarriedAudioActiveGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := ctrl.SetAudioActive(ctx, true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := ctrl.Start(ctx, StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	defer ctrl.Stop()
	if got := env.power.lastTimeout(); got != DefaultAudioActiveWakeTimeout {
		t.Fatalf("expected a bounded wake lock for the new session, got %s", got)
	}
	if status := ctrl.Status(); !status.AudioActive || !status.StrategyActive || !status.WakeLockHeld {
		t.Fatalf("unexpected status after restart: %+v", status)
	}

	if err := ctrl.SetAudioActive(ctx, false); err != nil {
		t.Fatalf("set audio inactive failed: %v", err)
	}
	status := ctrl.Status()
	if status.StrategyActive || status.WakeLockHeld {
		t.Fatalf("expected strategy and wake lock released, got %+v", status)
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("expected handle released, got %d", env.audio.openHandles())
	}
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.ResumeAfterRealCapture(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from idle resume, got %v", err)
	}
	if err := ctrl.PauseForRealCapture(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from idle pause, got %v", err)
	}

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	if err := ctrl.ResumeAfterRealCapture(context.Background()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from running resume, got %v", err)
	}
}

func TestResumeWithRevokedPermissionHoldsOnlyWakeLock(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	if err := ctrl.PauseForRealCapture(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	env.permissions.set(false)

	if err := ctrl.ResumeAfterRealCapture(context.Background()); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	status := ctrl.Status()
	if status.State != domain.StateRunning || status.Strategy != domain.StrategyNone || status.StrategyActive {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !status.WakeLockHeld {
		t.Fatalf("wake lock should remain held")
	}
	failures := env.events.snapshotFailures()
	if len(failures) == 0 || failures[len(failures)-1].code != domain.ErrorCodePermissionDenied {
		t.Fatalf("expected permission failure event, got %+v", failures)
	}
}

func TestSetAudioActiveWhileForegroundDoesNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.lifecycle.foreground.Store(true)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	acquires := env.power.acquireCount()
	opens := env.audio.totalOpens()

	if err := ctrl.SetAudioActive(context.Background(), true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	if env.power.acquireCount() != acquires {
		t.Fatalf("foregrounded app must not acquire the wake lock")
	}
	if env.audio.totalOpens() != opens {
		t.Fatalf("foregrounded app must not start a strategy")
	}
	if !ctrl.Status().AudioActive {
		t.Fatalf("audio active flag should be recorded")
	}
}

func TestSetAudioActiveInBackgroundHoldsBoundedResources(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()

	if err := ctrl.SetAudioActive(context.Background(), true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	status := ctrl.Status()
	if !status.StrategyActive || !status.WakeLockHeld {
		t.Fatalf("expected strategy and wake lock, got %+v", status)
	}
	if got := env.power.lastTimeout(); got != DefaultAudioActiveWakeTimeout {
		t.Fatalf("expected bounded wake lock of %s, got %s", DefaultAudioActiveWakeTimeout, got)
	}

	if err := ctrl.SetAudioActive(context.Background(), false); err != nil {
		t.Fatalf("set audio inactive failed: %v", err)
	}
	status = ctrl.Status()
	if status.StrategyActive || status.WakeLockHeld {
		t.Fatalf("expected strategy and wake lock released, got %+v", status)
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("expected handle released, got %d", env.audio.openHandles())
	}

	opens := env.audio.totalOpens()
	if err := ctrl.SetAudioActive(context.Background(), true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}
	if env.audio.totalOpens() != opens+1 {
		t.Fatalf("expected strategy restart")
	}
	if err := ctrl.SetAudioActive(context.Background(), true); err != nil {
		t.Fatalf("repeat failed: %v", err)
	}
	if env.audio.totalOpens() != opens+1 {
		t.Fatalf("repeated value must be a no-op")
	}
}

func TestForegroundChangeClosesGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	if err := ctrl.SetAudioActive(context.Background(), true); err != nil {
		t.Fatalf("set audio active failed: %v", err)
	}

	env.lifecycle.foreground.Store(true)
	ctrl.AppForegroundChanged(context.Background())

	status := ctrl.Status()
	if status.StrategyActive || status.WakeLockHeld {
		t.Fatalf("foregrounding must release held resources, got %+v", status)
	}
}

func TestAudienceIgnoresAudioActiveGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()

	_ = ctrl.SetAudioActive(context.Background(), true)
	_ = ctrl.SetAudioActive(context.Background(), false)

	if !ctrl.Status().StrategyActive {
		t.Fatalf("audience playback must keep running")
	}
}

func TestQuirkTableUpdateSwitchesStrategySequentially(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.device.profile = domain.DeviceProfile{Vendor: "xiaomi", OSVersion: 33}
	ctrl := env.controller(&resolver.QuirkTable{Version: resolver.QuirkTableVersion})

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	if got := ctrl.Status().Strategy; got != domain.StrategySilentPlayback {
		t.Fatalf("expected silent playback before update, got %s", got)
	}

	ctrl.UpdateQuirkTable(context.Background(), resolver.DefaultQuirkTable())
	if got := ctrl.Status().Strategy; got != domain.StrategyFakeCapture {
		t.Fatalf("expected fake capture after update, got %s", got)
	}

	ctrl.UpdateQuirkTable(context.Background(), &resolver.QuirkTable{Version: resolver.QuirkTableVersion})
	if got := ctrl.Status().Strategy; got != domain.StrategySilentPlayback {
		t.Fatalf("expected silent playback after revert, got %s", got)
	}

	if env.audio.maxOpen.Load() > 1 {
		t.Fatalf("two runners held the audio device at once (max %d)", env.audio.maxOpen.Load())
	}
	if env.audio.openHandles() != 1 {
		t.Fatalf("expected exactly one open handle, got %d", env.audio.openHandles())
	}

	switched := 0
	for _, s := range env.events.snapshotStates() {
		if s.reason == domain.ReasonStrategySwitched {
			switched++
		}
	}
	if switched != 2 {
		t.Fatalf("expected two strategy switches, got %d", switched)
	}
}

func TestForegroundRegistrationFailureRollsBack(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.foreground.registerErr = errors.New("foreground service not allowed")
	ctrl := env.controller(nil)

	err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience})
	if !errors.Is(err, domain.ErrServiceStart) {
		t.Fatalf("expected ErrServiceStart, got %v", err)
	}
	if domain.CodeFor(err) != domain.ErrorCodeServiceError {
		t.Fatalf("unexpected code %s", domain.CodeFor(err))
	}
	status := ctrl.Status()
	if status.State != domain.StateIdle || status.WakeLockHeld || status.StrategyActive {
		t.Fatalf("expected full rollback, got %+v", status)
	}
	if env.audio.totalOpens() != 0 {
		t.Fatalf("no stream should be opened when registration fails")
	}
}

func TestStrategyOpenFailureKeepsSessionRunning(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.audio.failPlayback.Store(true)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience}); err != nil {
		t.Fatalf("start should succeed best-effort, got %v", err)
	}
	defer ctrl.Stop()

	status := ctrl.Status()
	if status.State != domain.StateRunning || status.StrategyActive {
		t.Fatalf("expected running without active strategy, got %+v", status)
	}
	if !status.WakeLockHeld {
		t.Fatalf("wake lock remains held")
	}
	failures := env.events.snapshotFailures()
	if len(failures) != 1 || failures[0].strategy != domain.StrategySilentPlayback || failures[0].code != domain.ErrorCodeStrategyFailed {
		t.Fatalf("expected one strategy failure event, got %+v", failures)
	}
}

func TestRuntimeFailureIsReportedAsync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()
	env.audio.failWrites.Store(true)

	waitFor(t, func() bool { return len(env.events.snapshotFailures()) == 1 })
	waitFor(t, func() bool { return !ctrl.Status().StrategyActive })
	if ctrl.Status().State != domain.StateRunning {
		t.Fatalf("runtime failure must not end the session")
	}
}

func TestWakeLockAndFocusFailuresDegrade(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.power.acquireErr = errors.New("power service unavailable")
	env.focus.err = errors.New("in call")
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer ctrl.Stop()

	status := ctrl.Status()
	if status.State != domain.StateRunning || !status.Degraded || status.WakeLockHeld || status.AudioFocusHeld {
		t.Fatalf("expected degraded running session, got %+v", status)
	}
	if got := env.events.snapshotDegraded(); len(got) != 2 {
		t.Fatalf("expected two degraded events, got %v", got)
	}
}

func TestStartReplacesPreviousSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience, Title: "first"}); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	first, _ := ctrl.Session()
	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAnchor, Title: "second"}); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	defer ctrl.Stop()

	second, ok := ctrl.Session()
	if !ok || second.ID == first.ID || second.Title != "second" || second.Mode != domain.ModeAnchor {
		t.Fatalf("expected session to be replaced wholesale, got %+v", second)
	}
	if env.foreground.active() != 1 {
		t.Fatalf("expected previous registration removed, got %d active", env.foreground.active())
	}
	if env.audio.openHandles() != 1 || env.audio.maxOpen.Load() > 1 {
		t.Fatalf("expected a single audio handle across restart")
	}
	states := env.events.snapshotStates()
	if states[len(states)-1].reason != domain.ReasonServiceRestarted {
		t.Fatalf("expected service_restarted reason")
	}
}

func TestStartRejectsInvalidMode(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)

	err := ctrl.Start(context.Background(), StartRequest{Mode: domain.Mode(7)})
	if !errors.Is(err, domain.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestStopReportsUnregisterFailureAfterCleanup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.foreground.unregisterErr = errors.New("service already gone")
	ctrl := env.controller(nil)

	if err := ctrl.Start(context.Background(), StartRequest{Mode: domain.ModeAudience}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	err := ctrl.Stop()
	if !errors.Is(err, domain.ErrServiceStop) {
		t.Fatalf("expected ErrServiceStop, got %v", err)
	}
	status := ctrl.Status()
	if status.State != domain.StateIdle || status.WakeLockHeld || env.audio.openHandles() != 0 {
		t.Fatalf("cleanup must complete despite unregister failure: %+v", status)
	}
}

func TestConcurrentControlCallsKeepSingleHandle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctrl := env.controller(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			mode := domain.ModeAudience
			if i%2 == 0 {
				mode = domain.ModeAnchor
			}
			_ = ctrl.Start(ctx, StartRequest{Mode: mode})
			_ = ctrl.PauseForRealCapture()
			_ = ctrl.ResumeAfterRealCapture(ctx)
			_ = ctrl.SetAudioActive(ctx, i%3 == 0)
			if i%4 == 0 {
				_ = ctrl.Stop()
			}
		}(i)
	}
	wg.Wait()
	_ = ctrl.Stop()

	if env.audio.maxOpen.Load() > 1 {
		t.Fatalf("audio device held by more than one runner (max %d)", env.audio.maxOpen.Load())
	}
	if env.audio.openHandles() != 0 {
		t.Fatalf("expected all handles closed, got %d", env.audio.openHandles())
	}
}

// Test environment.

type testEnv struct {
	power       *fakePower
	focus       *fakeFocus
	audio       *fakeAudio
	foreground  *fakeForeground
	permissions *fakePermissions
	lifecycle   *fakeLifecycle
	device      *fakeDevice
	events      *fakeEventSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		power:       &fakePower{},
		focus:       &fakeFocus{},
		audio:       &fakeAudio{},
		foreground:  &fakeForeground{handles: map[ports.ForegroundHandle]bool{}},
		permissions: &fakePermissions{},
		lifecycle:   &fakeLifecycle{},
		device:      &fakeDevice{},
		events:      &fakeEventSink{},
	}
	env.permissions.set(true)
	return env
}

func (e *testEnv) controller(quirks *resolver.QuirkTable) *SessionController {
	platform := ports.Platform{
		Power:       e.power,
		Focus:       e.focus,
		Audio:       e.audio,
		Foreground:  e.foreground,
		Permissions: e.permissions,
		Lifecycle:   e.lifecycle,
		Device:      e.device,
	}
	factory := strategy.Factory{
		Device:      e.audio,
		Permissions: e.permissions,
		Config: strategy.Config{
			Stream:          ports.StreamConfig{SampleRate: 16000, Channels: 1, FramesPerBuffer: 64},
			PrepareTimeout:  50 * time.Millisecond,
			CaptureInterval: 2 * time.Millisecond,
		},
		Logger: zerolog.Nop(),
	}
	if quirks == nil {
		quirks = &resolver.QuirkTable{Version: resolver.QuirkTableVersion}
	}
	return NewSessionController(platform, factory, e.events, quirks, Config{}, zerolog.Nop())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

type fakePower struct {
	mu         sync.Mutex
	acquires   int
	releases   int
	timeouts   []time.Duration
	acquireErr error
}

func (f *fakePower) AcquireWakeLock(timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquires++
	f.timeouts = append(f.timeouts, timeout)
	return nil
}

func (f *fakePower) ReleaseWakeLock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakePower) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires
}

func (f *fakePower) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases
}

func (f *fakePower) lastTimeout() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timeouts) == 0 {
		return -1
	}
	return f.timeouts[len(f.timeouts)-1]
}

type fakeFocus struct {
	mu       sync.Mutex
	requests int
	err      error
}

func (f *fakeFocus) RequestAudioFocus(_ ports.AudioAttributes) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests++
	return nil
}

func (f *fakeFocus) AbandonAudioFocus() error { return nil }

func (f *fakeFocus) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

type fakeAudio struct {
	open          atomic.Int32
	maxOpen       atomic.Int32
	playbackOpens atomic.Int32
	captureOpens  atomic.Int32
	failPlayback  atomic.Bool
	failWrites    atomic.Bool
}

func (a *fakeAudio) openHandles() int { return int(a.open.Load()) }

func (a *fakeAudio) totalOpens() int {
	return int(a.playbackOpens.Load() + a.captureOpens.Load())
}

func (a *fakeAudio) track() {
	n := a.open.Add(1)
	for {
		current := a.maxOpen.Load()
		if n <= current || a.maxOpen.CompareAndSwap(current, n) {
			return
		}
	}
}

func (a *fakeAudio) OpenPlaybackStream(_ context.Context, _ ports.StreamConfig) (ports.PlaybackStream, error) {
	if a.failPlayback.Load() {
		return nil, errors.New("audio output unavailable")
	}
	a.playbackOpens.Add(1)
	a.track()
	started := make(chan struct{})
	close(started)
	return &fakeStream{audio: a, started: started, closed: make(chan struct{})}, nil
}

func (a *fakeAudio) OpenCaptureStream(_ context.Context, _ ports.StreamConfig) (ports.CaptureStream, error) {
	a.captureOpens.Add(1)
	a.track()
	return &fakeStream{audio: a, closed: make(chan struct{})}, nil
}

type fakeStream struct {
	audio     *fakeAudio
	started   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.ErrClosedPipe
	case <-time.After(time.Millisecond):
	}
	if s.audio.failWrites.Load() {
		return 0, errors.New("track died")
	}
	return len(p), nil
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-time.After(time.Millisecond):
	}
	return len(p), nil
}

func (s *fakeStream) Started() <-chan struct{} { return s.started }

func (s *fakeStream) Recording() bool {
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.audio.open.Add(-1)
	})
	return nil
}

type fakeForeground struct {
	mu            sync.Mutex
	handles       map[ports.ForegroundHandle]bool
	specs         []ports.NotificationSpec
	registerErr   error
	unregisterErr error
}

func (f *fakeForeground) RegisterForegroundSession(_ context.Context, spec ports.NotificationSpec) (ports.ForegroundHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", f.registerErr
	}
	f.specs = append(f.specs, spec)
	handle := ports.ForegroundHandle(spec.SessionID)
	f.handles[handle] = true
	return handle, nil
}

func (f *fakeForeground) UnregisterForegroundSession(handle ports.ForegroundHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, handle)
	return f.unregisterErr
}

func (f *fakeForeground) lastSpec() ports.NotificationSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		return ports.NotificationSpec{}
	}
	return f.specs[len(f.specs)-1]
}

func (f *fakeForeground) registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func (f *fakeForeground) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

type fakePermissions struct {
	granted atomic.Bool
}

func (f *fakePermissions) set(granted bool) { f.granted.Store(granted) }

func (f *fakePermissions) Granted(permission string) bool {
	return permission == domain.PermissionRecordAudio && f.granted.Load()
}

type fakeLifecycle struct {
	foreground atomic.Bool
}

func (f *fakeLifecycle) IsForeground() bool { return f.foreground.Load() }

type fakeDevice struct {
	profile domain.DeviceProfile
}

func (f *fakeDevice) Profile() (domain.DeviceProfile, error) { return f.profile, nil }

type stateEvent struct {
	state  domain.ControllerState
	reason domain.StateReason
}

type failureEvent struct {
	strategy domain.Strategy
	code     domain.ErrorCode
	detail   string
}

type fakeEventSink struct {
	mu       sync.Mutex
	states   []stateEvent
	failures []failureEvent
	degraded []domain.Resource
}

func (f *fakeEventSink) StateChanged(state domain.ControllerState, reason domain.StateReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateEvent{state: state, reason: reason})
}

func (f *fakeEventSink) StrategyFailed(strategy domain.Strategy, code domain.ErrorCode, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failureEvent{strategy: strategy, code: code, detail: detail})
}

func (f *fakeEventSink) ResourceDegraded(resource domain.Resource, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degraded = append(f.degraded, resource)
}

func (f *fakeEventSink) snapshotStates() []stateEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stateEvent(nil), f.states...)
}

func (f *fakeEventSink) snapshotFailures() []failureEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]failureEvent(nil), f.failures...)
}

func (f *fakeEventSink) snapshotDegraded() []domain.Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Resource(nil), f.degraded...)
}
