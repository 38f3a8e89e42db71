// Package config loads the session core configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the environment-driven configuration for a session host.
type Config struct {
	// OwnerID identifies the user renting the time budget.
	OwnerID string

	// LeaseBaseURL is the lease service endpoint.
	LeaseBaseURL string
	// LeaseAuthToken is an optional bearer token for the lease service.
	LeaseAuthToken string
	// LeaseMaxRetries bounds transient retries for lease start/end calls.
	LeaseMaxRetries uint64

	// BridgeURL is the WebSocket capability bridge endpoint.
	BridgeURL string

	// HeartbeatInterval is the lease renewal cadence.
	HeartbeatInterval time.Duration

	// SettleDelay pauses teardown for in-flight presentation effects.
	// Zero is valid for headless hosts.
	SettleDelay time.Duration

	ConnectTimeout time.Duration
	ReadyTimeout   time.Duration
	CommandTimeout time.Duration
	EndTimeout     time.Duration

	// ReconnectMaxAttempts is the automatic retry budget after a
	// connection error.
	ReconnectMaxAttempts uint64

	// RevertModeOnFailure restores the previous audio mode when a connected
	// mode switch fails at the bridge. Defaults to false: the requested
	// mode persists as a preference for the next attempt.
	RevertModeOnFailure bool

	// EventBuffer is the host event channel capacity.
	EventBuffer int
}

// LoadFromEnv builds a Config from AURICLE_* environment variables.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		OwnerID:              os.Getenv("AURICLE_OWNER_ID"),
		LeaseBaseURL:         envOr("AURICLE_LEASE_URL", "http://127.0.0.1:8090"),
		LeaseAuthToken:       os.Getenv("AURICLE_LEASE_TOKEN"),
		LeaseMaxRetries:      envUint64Or("AURICLE_LEASE_MAX_RETRIES", 3),
		BridgeURL:            envOr("AURICLE_BRIDGE_URL", "ws://127.0.0.1:8091/v1/bridge"),
		HeartbeatInterval:    envDurationOr("AURICLE_HEARTBEAT_INTERVAL", 5*time.Second),
		SettleDelay:          envDurationOr("AURICLE_SETTLE_DELAY", 400*time.Millisecond),
		ConnectTimeout:       envDurationOr("AURICLE_CONNECT_TIMEOUT", 15*time.Second),
		ReadyTimeout:         envDurationOr("AURICLE_READY_TIMEOUT", 20*time.Second),
		CommandTimeout:       envDurationOr("AURICLE_COMMAND_TIMEOUT", 10*time.Second),
		EndTimeout:           envDurationOr("AURICLE_END_TIMEOUT", 5*time.Second),
		ReconnectMaxAttempts: envUint64Or("AURICLE_RECONNECT_MAX_ATTEMPTS", 3),
		RevertModeOnFailure:  envBoolOr("AURICLE_REVERT_MODE_ON_FAILURE", false),
		EventBuffer:          envIntOr("AURICLE_EVENT_BUFFER", 256),
	}

	if cfg.OwnerID == "" {
		return Config{}, fmt.Errorf("AURICLE_OWNER_ID must be set")
	}
	if cfg.HeartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("AURICLE_HEARTBEAT_INTERVAL must be > 0")
	}
	if cfg.SettleDelay < 0 {
		return Config{}, fmt.Errorf("AURICLE_SETTLE_DELAY must be >= 0")
	}
	if cfg.ConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("AURICLE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.ReadyTimeout <= 0 {
		return Config{}, fmt.Errorf("AURICLE_READY_TIMEOUT must be > 0")
	}
	if cfg.CommandTimeout <= 0 {
		return Config{}, fmt.Errorf("AURICLE_COMMAND_TIMEOUT must be > 0")
	}
	if cfg.EndTimeout <= 0 {
		return Config{}, fmt.Errorf("AURICLE_END_TIMEOUT must be > 0")
	}
	if cfg.EventBuffer <= 0 {
		return Config{}, fmt.Errorf("AURICLE_EVENT_BUFFER must be > 0")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envUint64Or(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolOr(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
