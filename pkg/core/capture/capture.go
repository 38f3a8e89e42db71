// Package capture owns the audio-source state of a session: the
// {system, microphone} mode, the selected input device, and the reaction to
// OS-level device hot-plug events.
package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/auricle-ai/auricle/pkg/bridge"
	"github.com/auricle-ai/auricle/pkg/core"
)

// State is a snapshot of the current audio source.
type State struct {
	Mode        bridge.AudioMode `json:"mode"`
	DeviceID    string           `json:"device_id,omitempty"`
	DeviceLabel string           `json:"device_label,omitempty"`
	Capturing   bool             `json:"is_capturing"`
}

// Notice describes a device-change notification raised toward the host.
type Notice struct {
	Device   bridge.Device `json:"device"`
	Fallback bool          `json:"fallback"` // selected device disappeared, fell back
}

// Config tunes controller behavior.
type Config struct {
	// RevertModeOnFailure restores the previous mode when a connected mode
	// switch fails at the bridge. The historical behavior keeps the new mode
	// as a preference for the next attempt, so this defaults to false.
	RevertModeOnFailure bool
}

// Controller performs mode and device switches with rollback on failure.
//
// A mode/device change is atomic: either both the recorded state and the
// underlying capture are updated, or neither is. Exactly one capture handle
// is active at a time; the bridge releases the previous handle as part of
// each switch call.
type Controller struct {
	br     bridge.Bridge
	log    *slog.Logger
	cfg    Config
	notify func(Notice)

	mu           sync.Mutex
	state        State
	connected    bool
	lastObserved string // last observed current device ID; "" before first observation
}

// New creates a Controller starting in system-audio mode. notify is invoked
// for hot-plug notifications and may be nil.
func New(br bridge.Bridge, log *slog.Logger, cfg Config, notify func(Notice)) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		br:     br,
		log:    log,
		cfg:    cfg,
		notify: notify,
		state:  State{Mode: bridge.AudioModeSystem},
	}
}

// State returns a snapshot of the current audio source.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetConnected records whether the session is connected. While disconnected,
// mode changes are recorded locally without touching the bridge.
func (c *Controller) SetConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	if !connected {
		c.state.Capturing = false
	}
	c.mu.Unlock()
}

// SetMode switches the audio source. A no-op if the requested mode equals the
// current one. When the session is not yet connected the mode is recorded but
// no bridge call is made.
func (c *Controller) SetMode(ctx context.Context, mode bridge.AudioMode) error {
	if !mode.Valid() {
		return core.NewAudioDeviceError("unknown audio mode "+string(mode), nil)
	}

	c.mu.Lock()
	if c.state.Mode == mode {
		c.mu.Unlock()
		return nil
	}
	prev := c.state.Mode
	c.state.Mode = mode
	if mode == bridge.AudioModeSystem {
		c.state.DeviceID = ""
		c.state.DeviceLabel = ""
	}
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		c.log.Debug("capture mode recorded while disconnected", slog.String("mode", string(mode)))
		return nil
	}

	if err := c.br.SwitchAudioMode(ctx, mode); err != nil {
		c.log.Warn("audio mode switch failed",
			slog.String("from", string(prev)),
			slog.String("to", string(mode)),
			slog.Any("error", err))
		if c.cfg.RevertModeOnFailure {
			c.mu.Lock()
			c.state.Mode = prev
			c.mu.Unlock()
		}
		return core.NewAudioDeviceError("switch audio mode to "+string(mode), err)
	}

	c.mu.Lock()
	c.state.Capturing = true
	c.mu.Unlock()
	return nil
}

// SetDevice selects the microphone input device. The change is optimistic
// with rollback: the recorded device is updated immediately, and restored if
// the underlying switch fails.
func (c *Controller) SetDevice(ctx context.Context, deviceID string) error {
	c.mu.Lock()
	if c.state.Mode != bridge.AudioModeMicrophone {
		c.mu.Unlock()
		return core.NewAudioDeviceError("device selection requires microphone mode", nil)
	}
	if c.state.DeviceID == deviceID {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.state
	c.state.DeviceID = deviceID
	c.state.DeviceLabel = ""
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return nil
	}

	if err := c.br.SetMicrophoneDevice(ctx, deviceID); err != nil {
		c.mu.Lock()
		c.state.DeviceID = snapshot.DeviceID
		c.state.DeviceLabel = snapshot.DeviceLabel
		c.mu.Unlock()
		c.log.Warn("microphone device switch failed, rolled back",
			slog.String("device_id", deviceID),
			slog.String("restored", snapshot.DeviceID),
			slog.Any("error", err))
		return core.NewAudioDeviceError("set microphone device "+deviceID, err)
	}

	c.mu.Lock()
	c.state.Capturing = true
	c.mu.Unlock()
	return nil
}

// Devices re-enumerates the attached input devices.
func (c *Controller) Devices(ctx context.Context) ([]bridge.Device, error) {
	devices, err := c.br.EnumerateDevices(ctx)
	if err != nil {
		return nil, core.NewAudioDeviceError("enumerate devices", err)
	}
	return devices, nil
}

// HandleDeviceSetChanged reacts to an OS-level hot-plug event. The device
// list is re-enumerated; if the selected device no longer exists the
// controller falls back to the default (or first available) device and
// notifies exactly once. A changed observed device notifies once; the
// initial observation does not.
func (c *Controller) HandleDeviceSetChanged(ctx context.Context, observed bridge.Device) {
	devices, err := c.br.EnumerateDevices(ctx)
	if err != nil {
		c.log.Warn("device re-enumeration failed", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	selected := c.state.DeviceID
	micMode := c.state.Mode == bridge.AudioModeMicrophone
	previous := c.lastObserved
	c.lastObserved = observed.ID
	c.mu.Unlock()

	if micMode && selected != "" && !containsDevice(devices, selected) {
		fallback, ok := defaultDevice(devices)
		if !ok {
			c.log.Warn("selected device unplugged with no fallback available",
				slog.String("device_id", selected))
			return
		}
		c.mu.Lock()
		c.state.DeviceID = fallback.ID
		c.state.DeviceLabel = fallback.Label
		c.mu.Unlock()
		c.log.Info("selected device unplugged, falling back",
			slog.String("unplugged", selected),
			slog.String("fallback", fallback.ID))
		if c.notify != nil {
			c.notify(Notice{Device: fallback, Fallback: true})
		}
		return
	}

	// No previous observation means nothing actually changed from the
	// session's point of view.
	if previous == "" || previous == observed.ID {
		return
	}
	if c.notify != nil {
		c.notify(Notice{Device: observed})
	}
}

func containsDevice(devices []bridge.Device, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

func defaultDevice(devices []bridge.Device) (bridge.Device, bool) {
	for _, d := range devices {
		if d.Default {
			return d, true
		}
	}
	if len(devices) > 0 {
		return devices[0], true
	}
	return bridge.Device{}, false
}
