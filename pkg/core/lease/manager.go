// Package lease rents a bounded time budget from a server-authoritative
// clock and enforces it locally: heartbeat renewal, one-shot threshold
// warnings, and forced termination on expiry.
package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the fixed heartbeat cadence.
const DefaultHeartbeatInterval = 5 * time.Second

// Warning labels, each fired at most once per session.
const (
	WarnTenMinutes  = "10m"
	WarnFiveMinutes = "5m"
	WarnThirtySecs  = "30s"
	WarnExpired     = "expired"
)

var warningThresholds = []struct {
	label string
	at    time.Duration
}{
	{WarnTenMinutes, 10 * time.Minute},
	{WarnFiveMinutes, 5 * time.Minute},
	{WarnThirtySecs, 30 * time.Second},
}

// Warning is raised toward the host when a remaining-time threshold is
// crossed.
type Warning struct {
	Label     string        `json:"label"`
	Remaining time.Duration `json:"remaining"`
}

// Session is the locally held view of a rented time budget. ExpiresAt is
// only ever replaced by a server-issued value.
type Session struct {
	ID              string    `json:"session_id"`
	OwnerID         string    `json:"owner_id"`
	ServerStartedAt time.Time `json:"server_started_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Callbacks connect the Manager to the lifecycle controller. Both are
// invoked from the Manager's internal goroutines; the receiver serializes
// their effects.
type Callbacks struct {
	// OnWarning fires at most once per label per session.
	OnWarning func(Warning)
	// OnExpired fires exactly once when the budget runs out, either because
	// the server said so (timeUp / remaining_ms <= 0) or because the locally
	// cached expiry passed while heartbeats were failing.
	OnExpired func()
}

// Manager owns one lease for one session: it starts it, keeps it renewed on
// a fixed interval, raises threshold warnings, and ends it exactly once.
type Manager struct {
	api      API
	log      *slog.Logger
	interval time.Duration
	now      func() time.Time
	cb       Callbacks

	mu      sync.Mutex
	sess    *Session
	seq     uint64 // last issued heartbeat sequence
	applied uint64 // highest applied heartbeat sequence
	fired   map[string]bool
	expired bool

	hbCancel context.CancelFunc
	hbDone   chan struct{}

	endOnce sync.Once
	endResp EndResponse
	endErr  error
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithInterval overrides the heartbeat cadence.
func WithInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.interval = d }
}

// WithManagerClock overrides the time source. Used by tests.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager. Begin must be called before heartbeats flow.
func NewManager(api API, log *slog.Logger, cb Callbacks, opts ...ManagerOption) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		api:      api,
		log:      log,
		interval: DefaultHeartbeatInterval,
		now:      time.Now,
		cb:       cb,
		fired:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin rents the time budget and starts the heartbeat loop. It must be
// called exactly once, when the connection first reports readiness;
// reconnects reuse the already-active lease.
func (m *Manager) Begin(ctx context.Context, ownerID string) (Session, error) {
	m.mu.Lock()
	if m.sess != nil {
		sess := *m.sess
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	resp, err := m.api.Start(ctx, ownerID)
	if err != nil {
		return Session{}, err
	}

	sess := Session{
		ID:              resp.SessionID,
		OwnerID:         ownerID,
		ServerStartedAt: resp.ServerNow,
		ExpiresAt:       resp.ExpiresAt,
	}

	hbCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sess = &sess
	m.hbCancel = cancel
	m.hbDone = make(chan struct{})
	m.mu.Unlock()

	m.log.Info("lease started",
		slog.String("session_id", sess.ID),
		slog.Time("expires_at", sess.ExpiresAt),
		slog.Duration("remaining", time.Duration(resp.RemainingMS)*time.Millisecond))

	go m.heartbeatLoop(hbCtx)
	return sess, nil
}

// Active reports whether a lease is currently held.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil
}

// Snapshot returns the locally held lease view, if any.
func (m *Manager) Snapshot() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return Session{}, false
	}
	return *m.sess, true
}

// Remaining derives the advisory remaining budget from the cached expiry.
func (m *Manager) Remaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return m.sess.ExpiresAt.Sub(m.now())
}

// StopHeartbeats cancels the heartbeat loop and waits for it to exit. It is
// the first step of the shutdown sequence: no further lease calls are issued
// after it returns. Safe to call repeatedly.
func (m *Manager) StopHeartbeats() {
	m.mu.Lock()
	cancel := m.hbCancel
	done := m.hbDone
	m.hbCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// End destroys the lease, exactly once, best-effort. Later calls return the
// first outcome. A failure is returned for logging but must never block
// shutdown.
func (m *Manager) End(ctx context.Context, reason EndReason) (EndResponse, error) {
	m.endOnce.Do(func() {
		m.StopHeartbeats()

		m.mu.Lock()
		sess := m.sess
		m.mu.Unlock()
		if sess == nil {
			return
		}

		m.endResp, m.endErr = m.api.End(ctx, sess.ID, reason)
		if m.endErr != nil {
			m.log.Warn("lease end failed",
				slog.String("session_id", sess.ID),
				slog.String("reason", string(reason)),
				slog.Any("error", m.endErr))
			return
		}
		m.log.Info("lease ended",
			slog.String("session_id", sess.ID),
			slog.String("reason", string(reason)),
			slog.Int("consumed_minutes", m.endResp.ConsumedMinutes))
	})
	return m.endResp, m.endErr
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer close(m.hbDone)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			m.seq++
			seq := m.seq
			sess := m.sess
			m.mu.Unlock()
			if sess == nil {
				return
			}

			// Heartbeat calls complete independently; ordering is restored
			// at apply time by sequence number.
			go func(seq uint64, sessionID string) {
				hbCtx, cancel := context.WithTimeout(ctx, m.interval)
				defer cancel()
				resp, err := m.api.Heartbeat(hbCtx, sessionID)
				m.applyHeartbeat(seq, resp, err)
			}(seq, sess.ID)
		}
	}
}

// applyHeartbeat folds one heartbeat outcome into local state. Responses are
// applied in sequence order: a stale response that completes after a newer
// one has been applied is discarded. The expiry check runs on every outcome,
// success or failure, so a run of failed heartbeats still enforces the
// locally cached deadline.
func (m *Manager) applyHeartbeat(seq uint64, resp HeartbeatResponse, err error) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}

	timeUp := false
	switch {
	case err != nil:
		// Logged and skipped: tolerated until the next successful heartbeat
		// or the cached expiry, whichever is stricter.
		m.log.Warn("heartbeat failed", slog.Uint64("seq", seq), slog.Any("error", err))
	case seq <= m.applied:
		m.log.Debug("discarding stale heartbeat response",
			slog.Uint64("seq", seq), slog.Uint64("applied", m.applied))
	default:
		m.applied = seq
		m.sess.ExpiresAt = resp.ExpiresAt
		timeUp = resp.TimeUp
	}

	warnings, expired := m.evaluateLocked(timeUp)
	m.mu.Unlock()

	for _, w := range warnings {
		if m.cb.OnWarning != nil {
			m.cb.OnWarning(w)
		}
	}
	if expired && m.cb.OnExpired != nil {
		m.cb.OnExpired()
	}
}

// evaluateLocked raises one-shot warnings against the cached expiry and
// reports whether the expired condition fired just now.
func (m *Manager) evaluateLocked(timeUp bool) ([]Warning, bool) {
	remaining := m.sess.ExpiresAt.Sub(m.now())

	var warnings []Warning
	for _, th := range warningThresholds {
		if remaining <= th.at && remaining > 0 && !m.fired[th.label] {
			m.fired[th.label] = true
			warnings = append(warnings, Warning{Label: th.label, Remaining: remaining})
		}
	}

	if (remaining <= 0 || timeUp) && !m.expired {
		m.expired = true
		m.fired[WarnExpired] = true
		warnings = append(warnings, Warning{Label: WarnExpired, Remaining: remaining})
		return warnings, true
	}
	return warnings, false
}
