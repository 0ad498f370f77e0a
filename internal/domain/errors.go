package domain

import "errors"

var (
	ErrPermissionDenied      = errors.New("capture permission not granted")
	ErrResourceAcquireFailed = errors.New("resource acquire failed")
	ErrStrategyOpenFailed    = errors.New("keep-alive stream could not be opened")
	ErrStrategyRuntime       = errors.New("keep-alive stream stopped unexpectedly")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrInvalidMode           = errors.New("invalid session mode")
	ErrServiceStart          = errors.New("foreground service could not be started")
	ErrServiceStop           = errors.New("foreground service could not be stopped cleanly")
)

// ErrorCode is the wire code reported to the host application.
type ErrorCode string

const (
	ErrorCodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	ErrorCodeServiceError      ErrorCode = "SERVICE_ERROR"
	ErrorCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrorCodeInvalidArgs       ErrorCode = "INVALID_ARGS"
	ErrorCodeNotImplemented    ErrorCode = "NOT_IMPLEMENTED"
	ErrorCodeStrategyFailed    ErrorCode = "STRATEGY_FAILED"
	ErrorCodeResourceDegraded  ErrorCode = "RESOURCE_DEGRADED"
)

// CodeFor classifies an error returned by the controller.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return ErrorCodePermissionDenied
	case errors.Is(err, ErrInvalidTransition):
		return ErrorCodeInvalidTransition
	case errors.Is(err, ErrInvalidMode):
		return ErrorCodeInvalidArgs
	default:
		return ErrorCodeServiceError
	}
}
