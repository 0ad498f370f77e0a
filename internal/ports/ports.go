package ports

import (
	"context"
	"time"

	"voicekeep/internal/domain"
)

// PowerManager holds the CPU wake lock.
type PowerManager interface {
	// AcquireWakeLock takes the wake lock. A zero timeout holds it until released.
	AcquireWakeLock(timeout time.Duration) error
	ReleaseWakeLock() error
}

// AudioAttributes describes the audio usage requested with focus.
type AudioAttributes struct {
	Usage       string
	ContentType string
	// AllowRecord is set for sessions that keep the input path open.
	AllowRecord bool
}

// AudioFocus grants the audio routing priority.
type AudioFocus interface {
	RequestAudioFocus(attrs AudioAttributes) error
	AbandonAudioFocus() error
}

// StreamConfig describes a keep-alive audio stream.
type StreamConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// PlaybackStream is an open audio output handle.
type PlaybackStream interface {
	Write(p []byte) (int, error)
	// Started is closed once the stream is actually playing.
	Started() <-chan struct{}
	Close() error
}

// CaptureStream is an open audio input handle.
type CaptureStream interface {
	Read(p []byte) (int, error)
	Recording() bool
	Close() error
}

// AudioDevice opens the single-owner platform audio paths.
type AudioDevice interface {
	OpenPlaybackStream(ctx context.Context, cfg StreamConfig) (PlaybackStream, error)
	OpenCaptureStream(ctx context.Context, cfg StreamConfig) (CaptureStream, error)
}

// NotificationSpec is the persistent indicator shown while registered.
type NotificationSpec struct {
	SessionID string
	Title     string
	Content   string
	Icon      string
	// Microphone marks the registration as holding the capture path.
	Microphone bool
}

// ForegroundHandle identifies a live foreground registration.
type ForegroundHandle string

// ForegroundRegistrar exempts the process from background suspension.
type ForegroundRegistrar interface {
	RegisterForegroundSession(ctx context.Context, spec NotificationSpec) (ForegroundHandle, error)
	UnregisterForegroundSession(handle ForegroundHandle) error
}

// Permissions answers capability checks by permission name.
type Permissions interface {
	Granted(permission string) bool
}

// AppLifecycle reports whether the host UI is in front.
type AppLifecycle interface {
	IsForeground() bool
}

// DeviceInfo describes the running device.
type DeviceInfo interface {
	Profile() (domain.DeviceProfile, error)
}

// Platform is the full shim handed to the session controller.
type Platform struct {
	Power       PowerManager
	Focus       AudioFocus
	Audio       AudioDevice
	Foreground  ForegroundRegistrar
	Permissions Permissions
	Lifecycle   AppLifecycle
	Device      DeviceInfo
}

// EventSink receives asynchronous engine events.
type EventSink interface {
	StateChanged(state domain.ControllerState, reason domain.StateReason)
	StrategyFailed(strategy domain.Strategy, code domain.ErrorCode, detail string)
	ResourceDegraded(resource domain.Resource, detail string)
}
