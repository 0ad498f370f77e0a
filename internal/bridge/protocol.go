package bridge

import (
	"encoding/json"
	"fmt"

	"voicekeep/internal/domain"
)

// Method channel method names.
const (
	MethodStartService        = "startService"
	MethodStopService         = "stopService"
	MethodSetAudioActive      = "setAudioActive"
	MethodPauseKeepAlive      = "pauseKeepAliveForRealRecording"
	MethodResumeKeepAlive     = "resumeKeepAliveAfterRealRecording"
	MethodMoveAppToBackground = "moveAppToBackground"
	MethodSetAppForeground    = "setAppForeground"
	MethodGetStatus           = "getStatus"
)

// Pushed event names.
const (
	EventStateChanged     = "stateChanged"
	EventStrategyFailed   = "strategyFailed"
	EventResourceDegraded = "resourceDegraded"
)

// Request is a method call sent by a client.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request with the same ID.
type Response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Event is pushed to every connected client.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Error is the wire form of a failed call.
type Error struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StartServiceArgs are the startService arguments. Mode is required.
type StartServiceArgs struct {
	Mode       *int   `json:"mode"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	RoomParams string `json:"roomParams"`
}

type SetAudioActiveArgs struct {
	Active *bool `json:"active"`
}

type SetAppForegroundArgs struct {
	Foreground *bool `json:"foreground"`
}

type StateChangedData struct {
	State  domain.ControllerState `json:"state"`
	Reason domain.StateReason     `json:"reason"`
}

type StrategyFailedData struct {
	Strategy domain.Strategy  `json:"strategy"`
	Code     domain.ErrorCode `json:"code"`
	Detail   string           `json:"detail"`
}

type ResourceDegradedData struct {
	Resource domain.Resource `json:"resource"`
	Detail   string          `json:"detail"`
}

// frame is the union of every server to client message.
type frame struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
