package capture

import (
	"context"
	"errors"
	"testing"

	"github.com/auricle-ai/auricle/pkg/bridge"
	"github.com/auricle-ai/auricle/pkg/bridge/bridgetest"
)

func newTestController(br bridge.Bridge, cfg Config) (*Controller, *[]Notice) {
	notices := &[]Notice{}
	c := New(br, nil, cfg, func(n Notice) { *notices = append(*notices, n) })
	return c, notices
}

func TestController_StartsInSystemMode(t *testing.T) {
	c, _ := newTestController(bridgetest.New(), Config{})
	st := c.State()
	if st.Mode != bridge.AudioModeSystem || st.Capturing {
		t.Fatalf("unexpected initial state: %+v", st)
	}
}

func TestSetMode_RejectsUnknownMode(t *testing.T) {
	c, _ := newTestController(bridgetest.New(), Config{})
	if err := c.SetMode(context.Background(), "radio"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestSetMode_SameModeIsNoOp(t *testing.T) {
	br := bridgetest.New()
	c, _ := newTestController(br, Config{})
	c.SetConnected(true)

	if err := c.SetMode(context.Background(), bridge.AudioModeSystem); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if n := br.CallsTo(bridgetest.OpSwitchMode); n != 0 {
		t.Fatalf("bridge calls = %d, want 0", n)
	}
}

func TestSetMode_DisconnectedRecordsWithoutBridgeCall(t *testing.T) {
	br := bridgetest.New()
	c, _ := newTestController(br, Config{})

	if err := c.SetMode(context.Background(), bridge.AudioModeMicrophone); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := c.State().Mode; got != bridge.AudioModeMicrophone {
		t.Fatalf("mode = %s, want microphone", got)
	}
	if n := br.CallsTo(bridgetest.OpSwitchMode); n != 0 {
		t.Fatalf("bridge calls = %d, want 0", n)
	}
}

func TestSetMode_FailureKeepsRequestedModeByDefault(t *testing.T) {
	br := bridgetest.New()
	br.FailWith(bridgetest.OpSwitchMode, errors.New("backend busy"))
	c, _ := newTestController(br, Config{})
	c.SetConnected(true)

	err := c.SetMode(context.Background(), bridge.AudioModeMicrophone)
	if err == nil {
		t.Fatal("expected error")
	}
	// The requested mode survives as a preference for the next attempt.
	if got := c.State().Mode; got != bridge.AudioModeMicrophone {
		t.Fatalf("mode = %s, want microphone", got)
	}
	if c.State().Capturing {
		t.Fatal("capture must not be reported active after a failed switch")
	}
}

func TestSetMode_FailureRevertsWhenConfigured(t *testing.T) {
	br := bridgetest.New()
	br.FailWith(bridgetest.OpSwitchMode, errors.New("backend busy"))
	c, _ := newTestController(br, Config{RevertModeOnFailure: true})
	c.SetConnected(true)

	if err := c.SetMode(context.Background(), bridge.AudioModeMicrophone); err == nil {
		t.Fatal("expected error")
	}
	if got := c.State().Mode; got != bridge.AudioModeSystem {
		t.Fatalf("mode = %s, want system after revert", got)
	}
}

func TestSetMode_SystemModeClearsDeviceSelection(t *testing.T) {
	br := bridgetest.New()
	c, _ := newTestController(br, Config{})
	c.SetConnected(true)

	if err := c.SetMode(context.Background(), bridge.AudioModeMicrophone); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := c.SetDevice(context.Background(), "mic-1"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if err := c.SetMode(context.Background(), bridge.AudioModeSystem); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	st := c.State()
	if st.DeviceID != "" || st.DeviceLabel != "" {
		t.Fatalf("device selection not cleared: %+v", st)
	}
}

func TestSetDevice_RequiresMicrophoneMode(t *testing.T) {
	c, _ := newTestController(bridgetest.New(), Config{})
	if err := c.SetDevice(context.Background(), "mic-1"); err == nil {
		t.Fatal("expected error in system mode")
	}
}

func TestSetDevice_RollsBackOnFailure(t *testing.T) {
	br := bridgetest.New()
	c, _ := newTestController(br, Config{})
	c.SetConnected(true)

	if err := c.SetMode(context.Background(), bridge.AudioModeMicrophone); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := c.SetDevice(context.Background(), "mic-1"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	br.FailWith(bridgetest.OpSetMicDevice, errors.New("device gone"))
	if err := c.SetDevice(context.Background(), "mic-2"); err == nil {
		t.Fatal("expected error")
	}
	if got := c.State().DeviceID; got != "mic-1" {
		t.Fatalf("device = %q, want rollback to mic-1", got)
	}
}

func TestSetDevice_SameDeviceIsNoOp(t *testing.T) {
	br := bridgetest.New()
	c, _ := newTestController(br, Config{})
	c.SetConnected(true)

	if err := c.SetMode(context.Background(), bridge.AudioModeMicrophone); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := c.SetDevice(context.Background(), "mic-1"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	before := br.CallsTo(bridgetest.OpSetMicDevice)
	if err := c.SetDevice(context.Background(), "mic-1"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}
	if after := br.CallsTo(bridgetest.OpSetMicDevice); after != before {
		t.Fatalf("bridge calls = %d, want %d", after, before)
	}
}

func TestHandleDeviceSetChanged_FallbackWhenSelectedDisappears(t *testing.T) {
	br := bridgetest.New()
	c, notices := newTestController(br, Config{})
	c.SetConnected(true)

	if err := c.SetMode(context.Background(), bridge.AudioModeMicrophone); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if err := c.SetDevice(context.Background(), "usb-mic"); err != nil {
		t.Fatalf("SetDevice: %v", err)
	}

	// usb-mic is gone; only the built-in default remains.
	builtin := bridge.Device{ID: "builtin", Label: "Built-in Microphone", Default: true}
	br.SetDevices(builtin)
	c.HandleDeviceSetChanged(context.Background(), builtin)

	if got := c.State().DeviceID; got != "builtin" {
		t.Fatalf("device = %q, want fallback to builtin", got)
	}
	if len(*notices) != 1 {
		t.Fatalf("notices = %d, want exactly 1", len(*notices))
	}
	n := (*notices)[0]
	if !n.Fallback || n.Device.ID != "builtin" {
		t.Fatalf("unexpected notice: %+v", n)
	}
}

func TestHandleDeviceSetChanged_InitialObservationIsSilent(t *testing.T) {
	br := bridgetest.New()
	c, notices := newTestController(br, Config{})

	dev := bridge.Device{ID: "builtin", Default: true}
	br.SetDevices(dev)
	c.HandleDeviceSetChanged(context.Background(), dev)

	if len(*notices) != 0 {
		t.Fatalf("notices = %d, want 0 on first observation", len(*notices))
	}
}

func TestHandleDeviceSetChanged_ChangedObservedDeviceNotifiesOnce(t *testing.T) {
	br := bridgetest.New()
	c, notices := newTestController(br, Config{})

	builtin := bridge.Device{ID: "builtin", Default: true}
	headset := bridge.Device{ID: "headset", Label: "USB Headset"}

	br.SetDevices(builtin)
	c.HandleDeviceSetChanged(context.Background(), builtin)

	br.SetDevices(builtin, headset)
	c.HandleDeviceSetChanged(context.Background(), headset)

	if len(*notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(*notices))
	}
	if n := (*notices)[0]; n.Fallback || n.Device.ID != "headset" {
		t.Fatalf("unexpected notice: %+v", n)
	}

	// Same observation again: nothing changed, nothing to say.
	c.HandleDeviceSetChanged(context.Background(), headset)
	if len(*notices) != 1 {
		t.Fatalf("notices = %d after repeat, want 1", len(*notices))
	}
}

func TestHandleDeviceSetChanged_EnumerationFailureIsTolerated(t *testing.T) {
	br := bridgetest.New()
	br.FailWith(bridgetest.OpListDevices, errors.New("bridge down"))
	c, notices := newTestController(br, Config{})

	c.HandleDeviceSetChanged(context.Background(), bridge.Device{ID: "builtin"})
	if len(*notices) != 0 {
		t.Fatalf("notices = %d, want 0", len(*notices))
	}
}
