package bridge

// Event is the interface for all push events emitted by a bridge.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StatusEvent carries a human-readable backend status line.
type StatusEvent struct {
	Text string `json:"text"`
}

func (e StatusEvent) EventType() string { return "status" }

// TranscriptionChunkEvent carries a partial voice-transcription fragment.
// Chunks for one utterance are joined with spaces until finalization.
type TranscriptionChunkEvent struct {
	Text string `json:"text"`
}

func (e TranscriptionChunkEvent) EventType() string { return "transcription_chunk" }

// TranscriptionFinalizedEvent marks the end of the current user utterance.
type TranscriptionFinalizedEvent struct{}

func (e TranscriptionFinalizedEvent) EventType() string { return "transcription_finalized" }

// ResponseChunkEvent carries the full-so-far AI response text. Each chunk
// replaces the previous one; it is not a delta.
type ResponseChunkEvent struct {
	Text string `json:"text"`
}

func (e ResponseChunkEvent) EventType() string { return "response_chunk" }

// ResponseFinalizedEvent marks the end of the current AI response.
type ResponseFinalizedEvent struct{}

func (e ResponseFinalizedEvent) EventType() string { return "response_finalized" }

// SessionInitializingEvent reports backend-side initialization progress.
type SessionInitializingEvent struct {
	Pending bool `json:"pending"`
}

func (e SessionInitializingEvent) EventType() string { return "session_initializing" }

// SessionReadyEvent signals that the backend is connected and ready.
type SessionReadyEvent struct{}

func (e SessionReadyEvent) EventType() string { return "session_ready" }

// SessionErrorEvent reports a fatal backend error.
type SessionErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e SessionErrorEvent) EventType() string { return "session_error" }

// SessionClosedEvent signals that the backend closed the connection.
type SessionClosedEvent struct{}

func (e SessionClosedEvent) EventType() string { return "session_closed" }

// DeviceSetChangedEvent reports an OS-level hot-plug change. Device carries
// the currently observed input device after the change.
type DeviceSetChangedEvent struct {
	Device Device `json:"device"`
}

func (e DeviceSetChangedEvent) EventType() string { return "device_set_changed" }
