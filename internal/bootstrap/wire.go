package bootstrap

import (
	"context"
	"errors"
	"sync"

	"voicekeep/internal/audio"
	"voicekeep/internal/bridge"
	"voicekeep/internal/config"
	"voicekeep/internal/domain"
	"voicekeep/internal/lifecycle"
	"voicekeep/internal/logging"
	"voicekeep/internal/platform"
	"voicekeep/internal/ports"
	"voicekeep/internal/resolver"
	"voicekeep/internal/strategy"
	"voicekeep/internal/usecase"
)

// Services is the assembled runtime graph.
type Services struct {
	Controller  *usecase.SessionController
	Bridge      *bridge.Server
	Lifecycle   *lifecycle.Tracker
	Permissions *platform.Permissions
	Focus       *platform.FocusArbiter
	Config      config.Config

	portaudio *audio.Portaudio
}

// Build wires all backend dependencies for the current runtime. The event
// sink receives every engine event alongside the bridge clients.
func Build(eventSink ports.EventSink, foreground ports.ForegroundRegistrar) (Services, error) {
	if foreground == nil {
		return Services{}, errors.New("a foreground registrar is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return Services{}, err
	}
	logging.Init(cfg.Log.Format, cfg.Log.Level, nil)

	quirks, err := resolver.LoadQuirkTable(cfg.Strategy.QuirksPath)
	if err != nil {
		return Services{}, err
	}

	pa := audio.NewPortaudio()
	var capture audio.CaptureBackend = pa
	if cfg.Audio.CaptureBackend == config.CaptureBackendFFMPEG {
		capture = audio.NewFFMPEGCapture(cfg.Audio.RecorderCommand, cfg.Audio.InputFormat, cfg.Audio.InputDevice)
	}
	device := audio.NewDevice(pa, capture)

	tracker := lifecycle.NewTracker()
	permissions := platform.NewPermissions(cfg.Permissions)
	focus := platform.NewFocusArbiter()

	shim := ports.Platform{
		Power:       platform.NewInhibitor(cfg.Power.InhibitCommand, cfg.Power.Who, logging.L("power")),
		Focus:       focus,
		Audio:       device,
		Foreground:  foreground,
		Permissions: permissions,
		Lifecycle:   tracker,
		Device: platform.NewHostDevice(platform.DeviceOverride{
			Vendor:    cfg.Device.Vendor,
			Model:     cfg.Device.Model,
			OSVersion: cfg.Device.OSVersion,
		}),
	}

	runners := strategy.Factory{
		Device:      device,
		Permissions: permissions,
		Config: strategy.Config{
			Stream: ports.StreamConfig{
				SampleRate:      cfg.Audio.SampleRate,
				Channels:        cfg.Audio.Channels,
				FramesPerBuffer: cfg.Audio.FramesPerBuffer,
			},
			PrepareTimeout:  cfg.Strategy.PrepareTimeout,
			CaptureInterval: cfg.Strategy.CaptureInterval,
		},
		Logger: logging.L("strategy"),
	}

	sink := &fanoutSink{}
	controller := usecase.NewSessionController(
		shim,
		runners,
		sink,
		quirks,
		usecase.Config{
			WakeLockTimeout:        cfg.Session.WakeLockTimeout,
			AudioActiveWakeTimeout: cfg.Session.AudioActiveWakeTimeout,
			NotificationIcon:       cfg.Session.NotificationIcon,
		},
		logging.L("controller"),
	)

	server := bridge.NewServer(controller, nil, logging.L("bridge"))
	sink.add(server)
	if eventSink != nil {
		sink.add(eventSink)
	}

	tracker.OnChange(func(bool) {
		controller.AppForegroundChanged(context.Background())
	})

	return Services{
		Controller:  controller,
		Bridge:      server,
		Lifecycle:   tracker,
		Permissions: permissions,
		Focus:       focus,
		Config:      cfg,
		portaudio:   pa,
	}, nil
}

// Shutdown stops any running session and releases the audio library.
func (s Services) Shutdown() error {
	var errs []error
	if s.Controller != nil {
		if err := s.Controller.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.portaudio != nil {
		if err := s.portaudio.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fanoutSink forwards engine events to every registered sink.
type fanoutSink struct {
	mu    sync.RWMutex
	sinks []ports.EventSink
}

func (f *fanoutSink) add(sink ports.EventSink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

func (f *fanoutSink) each(fn func(ports.EventSink)) {
	f.mu.RLock()
	sinks := append([]ports.EventSink(nil), f.sinks...)
	f.mu.RUnlock()
	for _, sink := range sinks {
		fn(sink)
	}
}

func (f *fanoutSink) StateChanged(state domain.ControllerState, reason domain.StateReason) {
	f.each(func(s ports.EventSink) { s.StateChanged(state, reason) })
}

func (f *fanoutSink) StrategyFailed(strategy domain.Strategy, code domain.ErrorCode, detail string) {
	f.each(func(s ports.EventSink) { s.StrategyFailed(strategy, code, detail) })
}

func (f *fanoutSink) ResourceDegraded(resource domain.Resource, detail string) {
	f.each(func(s ports.EventSink) { s.ResourceDegraded(resource, detail) })
}
