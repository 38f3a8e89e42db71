package core

import (
	"errors"
	"fmt"
)

// SessionError is the error surfaced to the host application for anything
// that goes wrong inside an active session.
type SessionError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrorKind categorizes session errors.
type ErrorKind string

const (
	// ErrConnection covers bridge connect/readiness failures. Recoverable
	// via reconnect.
	ErrConnection ErrorKind = "connection-error"
	// ErrAudioDevice covers mode/device switch failures. Recoverable; local
	// state is rolled back where applicable.
	ErrAudioDevice ErrorKind = "audio-device-error"
	// ErrSessionExpired means the rented time budget ran out. Fatal for the
	// current session.
	ErrSessionExpired ErrorKind = "session-expired"
	// ErrNetwork covers lease start/heartbeat/end call failures. Tolerated
	// transiently; escalates only after the local deadline passes.
	ErrNetwork ErrorKind = "network-error"
	// ErrSendFailure means a single outgoing message failed to deliver.
	ErrSendFailure ErrorKind = "send-failure"
)

// NewConnectionError creates a connection error.
func NewConnectionError(message string, cause error) *SessionError {
	return &SessionError{Kind: ErrConnection, Message: message, Cause: cause}
}

// NewAudioDeviceError creates an audio device error.
func NewAudioDeviceError(message string, cause error) *SessionError {
	return &SessionError{Kind: ErrAudioDevice, Message: message, Cause: cause}
}

// NewSessionExpiredError creates a session expiry error.
func NewSessionExpiredError(message string) *SessionError {
	return &SessionError{Kind: ErrSessionExpired, Message: message}
}

// NewNetworkError creates a network error.
func NewNetworkError(message string, cause error) *SessionError {
	return &SessionError{Kind: ErrNetwork, Message: message, Cause: cause}
}

// NewSendFailureError creates a send failure error.
func NewSendFailureError(message string, cause error) *SessionError {
	return &SessionError{Kind: ErrSendFailure, Message: message, Cause: cause}
}

// Recoverable reports whether the session can continue (possibly after a
// user-initiated reconnect) once this error has been surfaced.
func (e *SessionError) Recoverable() bool {
	switch e.Kind {
	case ErrConnection, ErrAudioDevice, ErrSendFailure, ErrNetwork:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// AsSessionError extracts a *SessionError from an error chain, or wraps a
// plain error with the given fallback kind.
func AsSessionError(err error, fallback ErrorKind) *SessionError {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	return &SessionError{Kind: fallback, Message: err.Error(), Cause: err}
}
