package session

import (
	"time"

	"github.com/auricle-ai/auricle/pkg/core"
	"github.com/auricle-ai/auricle/pkg/core/capture"
	"github.com/auricle-ai/auricle/pkg/core/lease"
	"github.com/auricle-ai/auricle/pkg/core/transcript"
)

// Event is the interface for all session events delivered to the host.
type Event interface {
	// EventType returns the event type string for serialization.
	EventType() string
}

// StateChangedEvent is emitted when the lifecycle state changes.
type StateChangedEvent struct {
	From State `json:"from"`
	To   State `json:"to"`
}

func (e StateChangedEvent) EventType() string { return "state.changed" }

// StatusEvent passes through a backend status line.
type StatusEvent struct {
	Text string `json:"text"`
}

func (e StatusEvent) EventType() string { return "status" }

// EntryAppendedEvent is emitted when a finalized turn joins the transcript.
type EntryAppendedEvent struct {
	Entry transcript.Entry `json:"entry"`
}

func (e EntryAppendedEvent) EventType() string { return "transcript.entry" }

// PendingUpdatedEvent is emitted whenever a live buffer changes, for
// incremental display.
type PendingUpdatedEvent struct {
	Speaker transcript.Speaker `json:"speaker"`
	Pending transcript.Pending `json:"pending"`
}

func (e PendingUpdatedEvent) EventType() string { return "transcript.pending" }

// WaitingChangedEvent is emitted when the waiting-for-AI flag flips.
type WaitingChangedEvent struct {
	Waiting bool `json:"waiting"`
}

func (e WaitingChangedEvent) EventType() string { return "transcript.waiting" }

// LeaseWarningEvent is emitted once per threshold per session.
type LeaseWarningEvent struct {
	Label     string        `json:"label"`
	Remaining time.Duration `json:"remaining"`
}

func (e LeaseWarningEvent) EventType() string { return "lease.warning" }

// CaptureChangedEvent is emitted after a successful mode or device switch.
type CaptureChangedEvent struct {
	State capture.State `json:"state"`
}

func (e CaptureChangedEvent) EventType() string { return "capture.changed" }

// DeviceChangedEvent is emitted when a hot-plug event changed the effective
// input device. Fallback is set when the previously selected device
// disappeared.
type DeviceChangedEvent struct {
	Notice capture.Notice `json:"notice"`
}

func (e DeviceChangedEvent) EventType() string { return "capture.device_changed" }

// ErrorEvent surfaces a recoverable or fatal session error.
type ErrorEvent struct {
	Err *core.SessionError `json:"error"`
}

func (e ErrorEvent) EventType() string { return "error" }

// SendFailedEvent reports that delivery of an outgoing message failed. The
// entry stays in the transcript; EntryID lets the presentation layer
// annotate it inline.
type SendFailedEvent struct {
	EntryID string `json:"entry_id"`
	Message string `json:"message"`
}

func (e SendFailedEvent) EventType() string { return "send.failed" }

// ClosedEvent is the final event: the session reached the terminal state.
type ClosedEvent struct {
	Reason          lease.EndReason `json:"reason"`
	ConsumedMinutes int             `json:"consumed_minutes,omitempty"`
}

func (e ClosedEvent) EventType() string { return "session.closed" }
