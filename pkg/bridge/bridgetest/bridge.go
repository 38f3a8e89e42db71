// Package bridgetest provides an in-memory capability bridge for tests.
package bridgetest

import (
	"context"
	"sync"

	"github.com/auricle-ai/auricle/pkg/bridge"
)

// Operation names recorded by the fake bridge.
const (
	OpConnect      = "connect"
	OpDisconnect   = "disconnect"
	OpSendText     = "send_text"
	OpSwitchMode   = "switch_audio_mode"
	OpSetMicDevice = "set_microphone_device"
	OpStopCapture  = "stop_audio_capture"
	OpListDevices  = "enumerate_devices"
)

// Call records one command issued against the fake bridge.
type Call struct {
	Op       string
	Text     string
	Mode     bridge.AudioMode
	DeviceID string
}

// Bridge is a scriptable bridge.Bridge implementation. Tests install
// per-operation failures, inspect the recorded call log, and push events
// at the registered handler with Emit.
type Bridge struct {
	mu       sync.Mutex
	handler  bridge.Handler
	calls    []Call
	failures map[string]error
	devices  []bridge.Device
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates an empty fake bridge.
func New() *Bridge {
	return &Bridge{failures: make(map[string]error)}
}

// FailWith makes the named operation return err. Passing nil clears it.
func (b *Bridge) FailWith(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// SetDevices fixes the device set returned by EnumerateDevices.
func (b *Bridge) SetDevices(devices ...bridge.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
}

// Emit delivers an event to the installed handler, synchronously.
func (b *Bridge) Emit(ev bridge.Event) {
	b.mu.Lock()
	h := b.handler
	b.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Calls returns a copy of the recorded call log.
func (b *Bridge) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallsTo counts recorded calls for one operation.
func (b *Bridge) CallsTo(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

func (b *Bridge) record(c Call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, c)
	return b.failures[c.Op]
}

func (b *Bridge) SetHandler(h bridge.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

func (b *Bridge) Connect(ctx context.Context) error {
	return b.record(Call{Op: OpConnect})
}

func (b *Bridge) Disconnect(ctx context.Context) error {
	return b.record(Call{Op: OpDisconnect})
}

func (b *Bridge) SendTextMessage(ctx context.Context, text string) error {
	return b.record(Call{Op: OpSendText, Text: text})
}

func (b *Bridge) SwitchAudioMode(ctx context.Context, mode bridge.AudioMode) error {
	return b.record(Call{Op: OpSwitchMode, Mode: mode})
}

func (b *Bridge) SetMicrophoneDevice(ctx context.Context, deviceID string) error {
	return b.record(Call{Op: OpSetMicDevice, DeviceID: deviceID})
}

func (b *Bridge) StopAudioCapture(ctx context.Context) error {
	return b.record(Call{Op: OpStopCapture})
}

func (b *Bridge) EnumerateDevices(ctx context.Context) ([]bridge.Device, error) {
	if err := b.record(Call{Op: OpListDevices}); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bridge.Device, len(b.devices))
	copy(out, b.devices)
	return out, nil
}
