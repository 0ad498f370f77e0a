package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"voicekeep/internal/bootstrap"
	"voicekeep/internal/config"
	"voicekeep/internal/domain"
	"voicekeep/internal/lifecycle"
	"voicekeep/internal/logging"
	"voicekeep/internal/ports"
	"voicekeep/internal/usecase"
)

const (
	eventState          = "voicekeep:state"
	eventStrategyFailed = "voicekeep:strategy-failed"
	eventDegraded       = "voicekeep:degraded"
	eventForeground     = "voicekeep:foreground-session"
	eventError          = "voicekeep:error"

	windowTitle = "voicekeep"
)

var errHostNotReady = errors.New("host window is not ready")

// App is the Wails application root.
type App struct {
	ctx context.Context

	services   bootstrap.Services
	controller *usecase.SessionController
	tracker    *lifecycle.Tracker
	cfg        config.Config
	bootErr    error

	stopBridge context.CancelFunc

	mu            sync.Mutex
	registrations map[ports.ForegroundHandle]ports.NotificationSpec
}

func NewApp() *App {
	return &App{registrations: map[ports.ForegroundHandle]ports.NotificationSpec{}}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, a)
	if err != nil {
		a.bootErr = err
		a.emitError(domain.ErrorCodeServiceError, err.Error())
		return
	}

	a.services = services
	a.cfg = services.Config
	a.controller = services.Controller
	a.tracker = services.Lifecycle
	a.tracker.Set(true)
	services.Bridge.SetHost(a)

	if a.cfg.Bridge.Enabled {
		bridgeCtx, cancel := context.WithCancel(ctx)
		a.stopBridge = cancel
		go func() {
			if err := services.Bridge.ListenAndServe(bridgeCtx, a.cfg.Bridge.Addr); err != nil {
				log := logging.L("app")
				log.Error().Err(err).Msg("bridge stopped")
				a.emitError(domain.ErrorCodeServiceError, err.Error())
			}
		}()
	}
	a.StateChanged(domain.StateIdle, "")
}

func (a *App) shutdown(_ context.Context) {
	if a.stopBridge != nil {
		a.stopBridge()
	}
	if err := a.services.Shutdown(); err != nil {
		logging.L("app").Warn().Err(err).Msg("shutdown incomplete")
	}
}

// StartService starts holding the device awake for a live room. mode is 0
// for audience and 1 for anchor.
func (a *App) StartService(mode int, title string, content string, roomParams string) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	parsed, err := domain.ParseMode(mode)
	if err != nil {
		return a.fail(err)
	}
	req := usecase.StartRequest{Mode: parsed, Title: title, Content: content, RoomParams: roomParams}
	return a.fail(a.controller.Start(a.ctx, req))
}

// StopService ends the session and releases every resource.
func (a *App) StopService() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.fail(a.controller.Stop())
}

// SetAudioActive reports whether room audio is flowing.
func (a *App) SetAudioActive(active bool) error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.fail(a.controller.SetAudioActive(a.ctx, active))
}

// PauseKeepAliveForRealRecording yields the audio device to the real capture pipeline.
func (a *App) PauseKeepAliveForRealRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.fail(a.controller.PauseForRealCapture())
}

// ResumeKeepAliveAfterRealRecording restarts the keep-alive strategy after a pause.
func (a *App) ResumeKeepAliveAfterRealRecording() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.fail(a.controller.ResumeAfterRealCapture(a.ctx))
}

// MoveAppToBackground minimises the window without ending the session.
func (a *App) MoveAppToBackground() bool {
	return a.MoveToBackground()
}

// SetAppForeground records a window visibility change reported by the frontend.
func (a *App) SetAppForeground(foreground bool) {
	a.SetForeground(foreground)
}

// GetStatus returns the current controller status.
func (a *App) GetStatus() domain.Status {
	if a.controller == nil {
		return domain.Status{State: domain.StateIdle, Strategy: domain.StrategyNone}
	}
	return a.controller.Status()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	info := map[string]string{
		"captureBackend": a.cfg.Audio.CaptureBackend,
		"quirksFile":     a.cfg.Strategy.QuirksPath,
		"sampleRate":     strconv.Itoa(a.cfg.Audio.SampleRate),
	}
	if a.cfg.Bridge.Enabled {
		info["bridge"] = a.cfg.Bridge.Addr
	}
	return info
}

// MoveToBackground implements bridge.Host.
func (a *App) MoveToBackground() bool {
	if a.ctx == nil {
		return false
	}
	runtime.WindowMinimise(a.ctx)
	a.SetForeground(false)
	return true
}

// SetForeground implements bridge.Host.
func (a *App) SetForeground(foreground bool) {
	if a.tracker == nil {
		return
	}
	a.tracker.Set(foreground)
}

// RegisterForegroundSession implements ports.ForegroundRegistrar by showing
// the session in the window title and notifying the frontend.
func (a *App) RegisterForegroundSession(_ context.Context, spec ports.NotificationSpec) (ports.ForegroundHandle, error) {
	if a.ctx == nil {
		return "", errHostNotReady
	}
	handle := ports.ForegroundHandle(spec.SessionID)

	a.mu.Lock()
	if a.registrations == nil {
		a.registrations = map[ports.ForegroundHandle]ports.NotificationSpec{}
	}
	a.registrations[handle] = spec
	a.mu.Unlock()

	runtime.WindowSetTitle(a.ctx, foregroundTitle(spec))
	runtime.EventsEmit(a.ctx, eventForeground, map[string]any{
		"active":     true,
		"sessionId":  spec.SessionID,
		"title":      spec.Title,
		"content":    spec.Content,
		"icon":       spec.Icon,
		"microphone": spec.Microphone,
	})
	return handle, nil
}

// UnregisterForegroundSession implements ports.ForegroundRegistrar.
func (a *App) UnregisterForegroundSession(handle ports.ForegroundHandle) error {
	a.mu.Lock()
	_, ok := a.registrations[handle]
	delete(a.registrations, handle)
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown foreground session %q", handle)
	}
	if a.ctx == nil {
		return nil
	}
	runtime.WindowSetTitle(a.ctx, windowTitle)
	runtime.EventsEmit(a.ctx, eventForeground, map[string]any{
		"active":    false,
		"sessionId": string(handle),
	})
	return nil
}

// StateChanged emits controller transitions to the frontend.
func (a *App) StateChanged(state domain.ControllerState, reason domain.StateReason) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventState, map[string]string{
		"state":   string(state),
		"reason":  string(reason),
		"message": stateReasonMessage(reason),
	})
}

// StrategyFailed emits keep-alive strategy failures to the frontend.
func (a *App) StrategyFailed(strategy domain.Strategy, code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventStrategyFailed, map[string]string{
		"strategy": string(strategy),
		"code":     string(code),
		"message":  errorMessage(code, detail),
		"detail":   detail,
	})
}

// ResourceDegraded emits guard acquire failures to the frontend.
func (a *App) ResourceDegraded(resource domain.Resource, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventDegraded, map[string]string{
		"resource": string(resource),
		"message":  resourceMessage(resource),
		"detail":   detail,
	})
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

// fail reports a control error to the frontend and returns it unchanged.
func (a *App) fail(err error) error {
	if err != nil {
		a.emitError(domain.CodeFor(err), err.Error())
	}
	return err
}

func (a *App) emitError(code domain.ErrorCode, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

func foregroundTitle(spec ports.NotificationSpec) string {
	switch {
	case spec.Title != "" && spec.Content != "":
		return spec.Title + " · " + spec.Content
	case spec.Title != "":
		return spec.Title
	default:
		return windowTitle + " · live"
	}
}

func stateReasonMessage(reason domain.StateReason) string {
	switch reason {
	case domain.ReasonServiceStarted:
		return "Keeping the room alive"
	case domain.ReasonServiceRestarted:
		return "Keep-alive restarted for a new room"
	case domain.ReasonServiceStopped:
		return "Keep-alive stopped"
	case domain.ReasonPermissionDenied:
		return "Microphone permission is required to host"
	case domain.ReasonStartRolledBack:
		return "Keep-alive could not start"
	case domain.ReasonPausedForCapture:
		return "Paused while the microphone is in use"
	case domain.ReasonResumedAfterPause:
		return "Keep-alive resumed"
	case domain.ReasonAudioActive:
		return "Holding audio while in background"
	case domain.ReasonAudioInactive:
		return "Room audio idle"
	case domain.ReasonStrategySwitched:
		return "Keep-alive method changed"
	default:
		return ""
	}
}

func resourceMessage(resource domain.Resource) string {
	switch resource {
	case domain.ResourceWakeLock:
		return "Could not keep the device awake"
	case domain.ResourceAudioFocus:
		return "Audio priority not granted"
	case domain.ResourceForeground:
		return "Background exemption lost"
	default:
		return "Resource unavailable"
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodePermissionDenied:
		return "Microphone permission denied"
	case domain.ErrorCodeServiceError:
		return "Keep-alive service error"
	case domain.ErrorCodeInvalidTransition:
		return "Keep-alive is not in a state that allows this"
	case domain.ErrorCodeInvalidArgs:
		return "Invalid arguments"
	case domain.ErrorCodeNotImplemented:
		return "Not supported on this platform"
	case domain.ErrorCodeStrategyFailed:
		return "Keep-alive audio stopped"
	case domain.ErrorCodeResourceDegraded:
		return "Running with reduced priority"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
