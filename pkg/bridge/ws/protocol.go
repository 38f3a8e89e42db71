package ws

import (
	"github.com/auricle-ai/auricle/pkg/bridge"
)

const (
	// ProtocolVersion1 is the only bridge wire protocol version.
	ProtocolVersion1 = "1"
)

// Command operation names.
const (
	opSendText     = "send_text"
	opSwitchMode   = "switch_audio_mode"
	opSetMicDevice = "set_microphone_device"
	opStopCapture  = "stop_audio_capture"
	opListDevices  = "enumerate_devices"
)

// helloClient identifies the connecting client.
type helloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// clientHello is the first frame sent after the WebSocket handshake.
type clientHello struct {
	Type            string      `json:"type"` // "hello"
	ProtocolVersion string      `json:"protocol_version"`
	Client          helloClient `json:"client,omitempty"`
}

// clientCommand is a correlated request frame. The bridge answers each
// command with a serverCommandResult carrying the same ID.
type clientCommand struct {
	Type     string `json:"type"` // "command"
	ID       int64  `json:"id"`
	Op       string `json:"op"`
	Text     string `json:"text,omitempty"`
	Mode     string `json:"mode,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// serverHelloAck acknowledges the hello frame.
type serverHelloAck struct {
	Type            string `json:"type"` // "hello_ack"
	ProtocolVersion string `json:"protocol_version"`
}

// serverCommandResult answers one clientCommand.
type serverCommandResult struct {
	Type    string          `json:"type"` // "command_result"
	ID      int64           `json:"id"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Devices []bridge.Device `json:"devices,omitempty"`
}

// serverEvent is a push event frame.
type serverEvent struct {
	Type         string         `json:"type"` // "event"
	Name         string         `json:"name"`
	Text         string         `json:"text,omitempty"`
	Pending      bool           `json:"pending,omitempty"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Device       *bridge.Device `json:"device,omitempty"`
}

// decodeEvent maps a wire event frame onto a typed bridge event. Unknown
// names return nil; the bridge protocol is allowed to grow.
func decodeEvent(f serverEvent) bridge.Event {
	switch f.Name {
	case "status":
		return bridge.StatusEvent{Text: f.Text}
	case "transcription_chunk":
		return bridge.TranscriptionChunkEvent{Text: f.Text}
	case "transcription_finalized":
		return bridge.TranscriptionFinalizedEvent{}
	case "response_chunk":
		return bridge.ResponseChunkEvent{Text: f.Text}
	case "response_finalized":
		return bridge.ResponseFinalizedEvent{}
	case "session_initializing":
		return bridge.SessionInitializingEvent{Pending: f.Pending}
	case "session_ready":
		return bridge.SessionReadyEvent{}
	case "session_error":
		return bridge.SessionErrorEvent{Type: f.ErrorType, Message: f.ErrorMessage}
	case "session_closed":
		return bridge.SessionClosedEvent{}
	case "device_set_changed":
		var dev bridge.Device
		if f.Device != nil {
			dev = *f.Device
		}
		return bridge.DeviceSetChangedEvent{Device: dev}
	default:
		return nil
	}
}
