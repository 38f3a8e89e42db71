// Package bridge defines the capability boundary through which the session
// core reaches audio hardware and the remote AI backend. The core only ever
// talks to the Bridge interface; concrete implementations live in subpackages
// (ws for the WebSocket transport, bridgetest for the scripted fake).
package bridge

import "context"

// AudioMode selects the live audio source.
type AudioMode string

const (
	// AudioModeSystem captures system (loopback) audio.
	AudioModeSystem AudioMode = "system"
	// AudioModeMicrophone captures a selected input device.
	AudioModeMicrophone AudioMode = "microphone"
)

// Valid reports whether the mode is one of the known audio modes.
func (m AudioMode) Valid() bool {
	return m == AudioModeSystem || m == AudioModeMicrophone
}

// Device describes an enumerable audio input device.
type Device struct {
	ID      string `json:"id"`
	Label   string `json:"label"`
	Default bool   `json:"default,omitempty"`
}

// Handler receives push events from the bridge. Events are delivered
// at-least-once per occurrence with no ordering guarantee across distinct
// event names; the caller is responsible for serializing their effects.
type Handler func(Event)

// Bridge is the command surface of the capability bridge.
//
// All calls are blocking and honor context cancellation. Connect must be
// called before any other command; after Disconnect the bridge may be
// connected again.
type Bridge interface {
	// Connect establishes the backend connection. Readiness is reported
	// asynchronously via a SessionReadyEvent, not by Connect returning.
	Connect(ctx context.Context) error

	// Disconnect tears down the backend connection.
	Disconnect(ctx context.Context) error

	// SendTextMessage delivers a typed user message to the AI backend.
	SendTextMessage(ctx context.Context, text string) error

	// SwitchAudioMode changes the live audio source.
	SwitchAudioMode(ctx context.Context, mode AudioMode) error

	// SetMicrophoneDevice selects the microphone input device.
	SetMicrophoneDevice(ctx context.Context, deviceID string) error

	// StopAudioCapture releases the active capture handle.
	StopAudioCapture(ctx context.Context) error

	// EnumerateDevices lists the currently attached input devices.
	EnumerateDevices(ctx context.Context) ([]Device, error)

	// SetHandler installs the push-event handler. Passing nil detaches the
	// previous handler. At most one handler is attached at a time; the
	// session controller owns it for the session's lifetime.
	SetHandler(h Handler)
}
