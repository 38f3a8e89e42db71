package lease

import "time"

// EndReason is the reason reported when a lease is ended.
type EndReason string

const (
	ReasonNormal  EndReason = "normal"
	ReasonExpired EndReason = "expired"
	ReasonError   EndReason = "error"
)

// Wire shapes for the lease protocol. Timestamps are ISO 8601 / RFC 3339.

// StartRequest rents a new time budget for an owner.
type StartRequest struct {
	OwnerID string `json:"owner_id"`
}

// StartResponse is the server's answer to a start call.
type StartResponse struct {
	SessionID   string    `json:"session_id"`
	ServerNow   time.Time `json:"server_now"`
	ExpiresAt   time.Time `json:"expires_at"`
	RemainingMS int64     `json:"remaining_ms"`
}

// HeartbeatResponse refreshes the authoritative expiry. ExpiresAt replaces
// any locally held value; the client never extends the deadline on its own.
type HeartbeatResponse struct {
	ServerNow   time.Time `json:"server_now"`
	ExpiresAt   time.Time `json:"expires_at"`
	RemainingMS int64     `json:"remaining_ms"`
	TimeUp      bool      `json:"time_up"`
}

// EndRequest destroys a lease, exactly once.
type EndRequest struct {
	Reason EndReason `json:"reason"`
}

// EndResponse reports the minutes consumed by the ended session.
type EndResponse struct {
	SessionID       string `json:"session_id"`
	ConsumedMinutes int    `json:"consumed_minutes"`
}

// apiError is the JSON error body returned by the lease service.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
