package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the caller's role in the voice room.
type Mode int

const (
	ModeAudience Mode = 0
	ModeAnchor   Mode = 1
)

// ParseMode validates a wire mode value.
func ParseMode(value int) (Mode, error) {
	switch Mode(value) {
	case ModeAudience, ModeAnchor:
		return Mode(value), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMode, value)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeAudience:
		return "audience"
	case ModeAnchor:
		return "anchor"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Strategy identifies the keep-alive method in use.
type Strategy string

const (
	StrategyNone           Strategy = "none"
	StrategySilentPlayback Strategy = "silent_playback"
	StrategyFakeCapture    Strategy = "fake_capture"
)

// ControllerState models the keep-alive lifecycle.
type ControllerState string

const (
	StateIdle     ControllerState = "idle"
	StateStarting ControllerState = "starting"
	StateRunning  ControllerState = "running"
	StatePaused   ControllerState = "paused"
	StateStopping ControllerState = "stopping"
)

// StateReason provides a structured reason for state transitions.
type StateReason string

const (
	ReasonServiceStarted    StateReason = "service_started"
	ReasonServiceRestarted  StateReason = "service_restarted"
	ReasonServiceStopped    StateReason = "service_stopped"
	ReasonPermissionDenied  StateReason = "permission_denied"
	ReasonStartRolledBack   StateReason = "start_rolled_back"
	ReasonPausedForCapture  StateReason = "paused_for_real_capture"
	ReasonResumedAfterPause StateReason = "resumed_after_real_capture"
	ReasonAudioActive       StateReason = "audio_active"
	ReasonAudioInactive     StateReason = "audio_inactive"
	ReasonStrategySwitched  StateReason = "strategy_switched"
)

// Resource names a singular device resource held by the controller.
type Resource string

const (
	ResourceWakeLock   Resource = "wake_lock"
	ResourceAudioFocus Resource = "audio_focus"
	ResourceForeground Resource = "foreground"
)

// PermissionRecordAudio is the capture permission required by anchor sessions.
const PermissionRecordAudio = "RECORD_AUDIO"

// Session is one keep-alive intent. It is never mutated after creation.
type Session struct {
	ID         string    `json:"id"`
	Mode       Mode      `json:"mode"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	RoomParams string    `json:"roomParams"`
	StartedAt  time.Time `json:"startedAt"`
}

// DeviceProfile is the device description fed to the capability resolver.
type DeviceProfile struct {
	Vendor    string `json:"vendor"`
	Model     string `json:"model,omitempty"`
	OSVersion int    `json:"osVersion"`
}

// NormalizedVendor returns the lower-cased vendor name.
func (p DeviceProfile) NormalizedVendor() string {
	return strings.ToLower(strings.TrimSpace(p.Vendor))
}

// Status summarizes the current runtime status.
type Status struct {
	State           ControllerState `json:"state"`
	Strategy        Strategy        `json:"strategy"`
	PausedStrategy  Strategy        `json:"pausedStrategy,omitempty"`
	StrategyActive  bool            `json:"strategyActive"`
	Mode            Mode            `json:"mode"`
	SessionID       string          `json:"sessionId,omitempty"`
	WakeLockHeld    bool            `json:"wakeLockHeld"`
	AudioFocusHeld  bool            `json:"audioFocusHeld"`
	Degraded        bool            `json:"degraded"`
	AudioActive     bool            `json:"audioActive"`
	AppInForeground bool            `json:"appInForeground"`
}
