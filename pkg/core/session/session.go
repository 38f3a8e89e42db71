// Package session implements the top-level connection lifecycle: it
// sequences initialization, connection, readiness, error/reconnect, and
// shutdown, and guarantees that capture, lease, and backend are torn down
// together.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/auricle-ai/auricle/pkg/bridge"
	"github.com/auricle-ai/auricle/pkg/core"
	"github.com/auricle-ai/auricle/pkg/core/capture"
	"github.com/auricle-ai/auricle/pkg/core/lease"
	"github.com/auricle-ai/auricle/pkg/core/transcript"
)

// ErrClosed is returned by commands issued after shutdown began.
var ErrClosed = errors.New("session is closed")

// Config holds all configuration for a session.
type Config struct {
	// OwnerID identifies the user renting the time budget.
	OwnerID string

	// SettleDelay is the bounded pause before teardown proceeds, allowing
	// in-flight presentation effects to complete. The value is respected
	// as-is: zero is valid for headless hosts and skips the pause.
	// config.LoadFromEnv supplies the conventional 400ms default for hosts
	// with a presentation layer.
	SettleDelay time.Duration

	// ConnectTimeout bounds the bridge connect call. Default: 15s.
	ConnectTimeout time.Duration

	// ReadyTimeout bounds the wait for backend readiness after a successful
	// connect. Default: 20s.
	ReadyTimeout time.Duration

	// CommandTimeout bounds individual bridge commands. Default: 10s.
	CommandTimeout time.Duration

	// EndTimeout bounds the best-effort lease end during shutdown.
	// Default: 5s.
	EndTimeout time.Duration

	// HeartbeatInterval is the lease renewal cadence. Default: 5s.
	HeartbeatInterval time.Duration

	// ReconnectMaxAttempts is the automatic retry budget after a connection
	// error; exhausting it escalates to shutdown. Default: 3.
	ReconnectMaxAttempts uint64

	// RevertModeOnFailure restores the previous audio mode when a connected
	// mode switch fails. Default: false (the historical behavior keeps the
	// requested mode as a preference).
	RevertModeOnFailure bool

	// EventBuffer is the host event channel capacity. Default: 256.
	EventBuffer int
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 20 * time.Second
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Second
	}
	if c.EndTimeout == 0 {
		c.EndTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = lease.DefaultHeartbeatInterval
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 3
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
}

// Controller supervises one session instance. All bridge events, timer
// callbacks, and user commands are serialized onto a single internal loop so
// no two handlers mutate shared state concurrently.
type Controller struct {
	cfg    Config
	br     bridge.Bridge
	leases *lease.Manager
	cap    *capture.Controller
	agg    *transcript.Aggregator
	log    *slog.Logger

	ops      chan func()
	events   chan Event
	done     chan struct{}
	loopDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	exiting      atomic.Bool
	loopStarted  atomic.Bool
	shutdownOnce sync.Once
	exitOnce     sync.Once
	exitFn       func(ClosedEvent)

	mu         sync.RWMutex
	state      State
	currentErr *core.SessionError

	evMu     sync.RWMutex
	evClosed bool

	// Loop-owned; touched only by handlers running on the loop goroutine.
	backoff    retry.Backoff
	readyTimer *time.Timer
}

// New creates a Controller. exitFn is invoked exactly once when the session
// reaches the terminal state; it may be nil.
func New(cfg Config, br bridge.Bridge, leaseAPI lease.API, log *slog.Logger, exitFn func(ClosedEvent)) *Controller {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	c := &Controller{
		cfg:      cfg,
		br:       br,
		log:      log,
		ops:      make(chan func(), 64),
		events:   make(chan Event, cfg.EventBuffer),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		exitFn:   exitFn,
		state:    StateIdle,
	}

	c.agg = transcript.New(
		transcript.WithOnAppend(func(e transcript.Entry) { c.emit(EntryAppendedEvent{Entry: e}) }),
		transcript.WithOnPending(func(sp transcript.Speaker, p transcript.Pending) {
			c.emit(PendingUpdatedEvent{Speaker: sp, Pending: p})
		}),
		transcript.WithOnWaiting(func(w bool) { c.emit(WaitingChangedEvent{Waiting: w}) }),
	)

	c.cap = capture.New(br, log, capture.Config{RevertModeOnFailure: cfg.RevertModeOnFailure},
		func(n capture.Notice) { c.emit(DeviceChangedEvent{Notice: n}) })

	c.leases = lease.NewManager(leaseAPI, log, lease.Callbacks{
		OnWarning: func(w lease.Warning) {
			c.post(func() { c.emit(LeaseWarningEvent{Label: w.Label, Remaining: w.Remaining}) })
		},
		OnExpired: func() {
			c.post(func() {
				c.emit(ErrorEvent{Err: core.NewSessionExpiredError("session time budget exhausted")})
				c.Shutdown(lease.ReasonExpired)
			})
		},
	}, lease.WithInterval(cfg.HeartbeatInterval))

	return c
}

// Events yields session events for the host. The channel is closed after the
// terminal ClosedEvent has been delivered.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed once the session has fully shut down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentError returns the error being surfaced to the user, if any.
func (c *Controller) CurrentError() *core.SessionError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentErr
}

// Transcript returns the finalized transcript in append order.
func (c *Controller) Transcript() []transcript.Entry { return c.agg.Entries() }

// Pending returns the live buffer for the given speaker.
func (c *Controller) Pending(sp transcript.Speaker) transcript.Pending { return c.agg.PendingFor(sp) }

// WaitingForAI reports whether a response is outstanding.
func (c *Controller) WaitingForAI() bool { return c.agg.WaitingForAI() }

// CaptureState returns a snapshot of the audio source state.
func (c *Controller) CaptureState() capture.State { return c.cap.State() }

// Lease returns the locally held lease view, if a lease is active.
func (c *Controller) Lease() (lease.Session, bool) { return c.leases.Snapshot() }

// Activate starts the session: Idle -> Initializing -> Connecting. Readiness
// is reported asynchronously via a StateChangedEvent to Ready.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("activate from %s: session already started", state)
	}
	c.state = StateInitializing
	c.mu.Unlock()
	c.emit(StateChangedEvent{From: StateIdle, To: StateInitializing})

	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.loopStarted.Store(true)
	go c.loop()

	c.br.SetHandler(func(ev bridge.Event) {
		c.post(func() { c.handleBridgeEvent(ev) })
	})

	c.post(func() { c.connect(false) })
	return nil
}

// SendMessage delivers a typed user message. The outgoing text is appended
// to the transcript as a finalized entry before delivery is attempted; a
// delivery failure is reported against that entry and does not end the
// session.
func (c *Controller) SendMessage(text string) error {
	return c.do(func() error {
		if c.State() != StateReady {
			return fmt.Errorf("send message: session not ready")
		}
		entry := c.agg.AppendUserMessage(text)

		ctx, cancel := c.commandContext()
		defer cancel()
		err := c.br.SendTextMessage(ctx, text)
		if c.exiting.Load() {
			return ErrClosed
		}
		if err != nil {
			c.agg.ReportSendFailure()
			se := core.NewSendFailureError("message delivery failed", err)
			c.emit(SendFailedEvent{EntryID: entry.ID, Message: se.Error()})
			c.emit(ErrorEvent{Err: se})
			return se
		}
		return nil
	})
}

// SetCaptureMode switches between system audio and microphone capture.
func (c *Controller) SetCaptureMode(mode bridge.AudioMode) error {
	return c.do(func() error {
		ctx, cancel := c.commandContext()
		defer cancel()
		err := c.cap.SetMode(ctx, mode)
		if c.exiting.Load() {
			return ErrClosed
		}
		if err != nil {
			se := core.AsSessionError(err, core.ErrAudioDevice)
			c.emit(ErrorEvent{Err: se})
			return se
		}
		c.emit(CaptureChangedEvent{State: c.cap.State()})
		return nil
	})
}

// SetCaptureDevice selects the microphone input device, optimistically with
// rollback on failure.
func (c *Controller) SetCaptureDevice(deviceID string) error {
	return c.do(func() error {
		ctx, cancel := c.commandContext()
		defer cancel()
		err := c.cap.SetDevice(ctx, deviceID)
		if c.exiting.Load() {
			return ErrClosed
		}
		if err != nil {
			se := core.AsSessionError(err, core.ErrAudioDevice)
			c.emit(ErrorEvent{Err: se})
			return se
		}
		c.emit(CaptureChangedEvent{State: c.cap.State()})
		return nil
	})
}

// Devices re-enumerates the attached input devices.
func (c *Controller) Devices(ctx context.Context) ([]bridge.Device, error) {
	if c.exiting.Load() {
		return nil, ErrClosed
	}
	return c.cap.Devices(ctx)
}

// Reconnect manually retries the connection from the error state. The
// automatic retry budget is reset; an already-active lease is reused, never
// re-rented.
func (c *Controller) Reconnect() error {
	return c.do(func() error {
		if c.State() != StateError {
			return fmt.Errorf("reconnect from %s: only valid in error state", c.State())
		}
		c.backoff = nil
		c.connect(true)
		return nil
	})
}

// Shutdown triggers the graceful shutdown sequence with the given reason.
// It is idempotent: concurrent and repeated calls end the session at most
// once and the exit callback is invoked exactly once. The sequence itself is
// not cancellable once started.
func (c *Controller) Shutdown(reason lease.EndReason) {
	c.shutdownOnce.Do(func() {
		c.exiting.Store(true)
		go c.runShutdown(reason)
	})
}

// --- internal loop -------------------------------------------------------

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		case op := <-c.ops:
			op()
		}
	}
}

// post schedules op onto the loop. Ops posted after shutdown are dropped.
func (c *Controller) post(op func()) {
	select {
	case c.ops <- op:
	case <-c.done:
	}
}

// do runs op on the loop and waits for its result. Before activation there
// is no loop and ops apply directly to local state (nothing is connected).
func (c *Controller) do(op func() error) error {
	if c.exiting.Load() {
		return ErrClosed
	}
	if !c.loopStarted.Load() {
		return op()
	}
	errc := make(chan error, 1)
	select {
	case c.ops <- func() { errc <- op() }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// emit delivers an event to the host channel without ever blocking. Events
// arriving after the channel has closed, or while it is full, are dropped;
// the host is expected to drain promptly.
func (c *Controller) emit(ev Event) {
	c.evMu.RLock()
	defer c.evMu.RUnlock()
	if c.evClosed {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || from == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = to
	if to == StateReady {
		c.currentErr = nil
	}
	c.mu.Unlock()

	c.log.Debug("session state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	c.emit(StateChangedEvent{From: from, To: to})
}

func (c *Controller) commandContext() (context.Context, context.CancelFunc) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.cfg.CommandTimeout)
}

// connect issues the bridge connect call. reconnecting selects the
// Reconnecting state and keeps the active lease.
func (c *Controller) connect(reconnecting bool) {
	if c.exiting.Load() {
		return
	}
	if reconnecting {
		c.setState(StateReconnecting)
	} else {
		c.setState(StateConnecting)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	err := c.br.Connect(ctx)
	cancel()
	if c.exiting.Load() {
		return
	}
	if err != nil {
		c.enterError(core.NewConnectionError("bridge connect failed", err))
		return
	}

	// Connected at transport level; readiness arrives as a push event.
	c.armReadyTimer()
}

func (c *Controller) armReadyTimer() {
	c.stopReadyTimer()
	c.readyTimer = time.AfterFunc(c.cfg.ReadyTimeout, func() {
		c.post(func() {
			state := c.State()
			if state == StateConnecting || state == StateReconnecting {
				c.enterError(core.NewConnectionError("timed out waiting for backend readiness", nil))
			}
		})
	})
}

func (c *Controller) stopReadyTimer() {
	if c.readyTimer != nil {
		c.readyTimer.Stop()
		c.readyTimer = nil
	}
}

func (c *Controller) handleBridgeEvent(ev bridge.Event) {
	if c.exiting.Load() {
		return
	}

	switch e := ev.(type) {
	case bridge.StatusEvent:
		c.emit(StatusEvent{Text: e.Text})
	case bridge.TranscriptionChunkEvent:
		c.agg.AddTranscriptionChunk(e.Text)
	case bridge.TranscriptionFinalizedEvent:
		c.agg.FinalizeTranscription()
	case bridge.ResponseChunkEvent:
		c.agg.AddResponseChunk(e.Text)
	case bridge.ResponseFinalizedEvent:
		c.agg.FinalizeResponse()
	case bridge.SessionInitializingEvent:
		if e.Pending {
			c.emit(StatusEvent{Text: "backend initializing"})
		}
	case bridge.SessionReadyEvent:
		c.onReady()
	case bridge.SessionErrorEvent:
		c.enterError(core.NewConnectionError(
			fmt.Sprintf("backend error (%s): %s", e.Type, e.Message), nil))
	case bridge.SessionClosedEvent:
		c.enterError(core.NewConnectionError("backend closed the connection", nil))
	case bridge.DeviceSetChangedEvent:
		ctx, cancel := c.commandContext()
		c.cap.HandleDeviceSetChanged(ctx, e.Device)
		cancel()
	default:
		c.log.Debug("unhandled bridge event", slog.String("type", ev.EventType()))
	}
}

// onReady handles the bridge readiness report. The lease is rented here, on
// first readiness only; reconnects reuse the active lease.
func (c *Controller) onReady() {
	c.stopReadyTimer()
	c.backoff = nil
	c.cap.SetConnected(true)

	if !c.leases.Active() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		_, err := c.leases.Begin(ctx, c.cfg.OwnerID)
		cancel()
		if c.exiting.Load() {
			return
		}
		if err != nil {
			// The lease client already burned its transient-retry budget;
			// without a budget there is no session to run.
			c.emit(ErrorEvent{Err: core.NewNetworkError("lease start failed", err)})
			c.Shutdown(lease.ReasonError)
			return
		}
	}

	c.setState(StateReady)
}

// enterError surfaces a connection-level error and schedules an automatic
// reconnect while the retry budget lasts; past the budget it escalates to
// shutdown. Lease heartbeats keep running here: the lease stays rented
// across a reconnect, and letting it lapse server-side would end the
// session being recovered. Heartbeats stop only when shutdown begins.
func (c *Controller) enterError(se *core.SessionError) {
	if c.exiting.Load() {
		return
	}
	c.stopReadyTimer()
	c.cap.SetConnected(false)

	c.mu.Lock()
	c.currentErr = se
	c.mu.Unlock()
	c.setState(StateError)
	c.emit(ErrorEvent{Err: se})

	if c.backoff == nil {
		c.backoff = retry.WithMaxRetries(c.cfg.ReconnectMaxAttempts,
			retry.NewExponential(500*time.Millisecond))
	}
	delay, stop := c.backoff.Next()
	if stop {
		c.log.Warn("reconnect budget exhausted, shutting down")
		c.Shutdown(lease.ReasonError)
		return
	}

	c.log.Info("scheduling reconnect", slog.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		c.post(func() {
			if c.State() == StateError {
				c.connect(true)
			}
		})
	})
}

// runShutdown executes the graceful shutdown sequence, in order:
// heartbeats stop first, then the settle delay, the best-effort lease end,
// backend disconnect, capture stop, and finally the transition to Closed
// with the exit callback. Failures are logged and never block the sequence.
func (c *Controller) runShutdown(reason lease.EndReason) {
	c.log.Info("shutdown started", slog.String("reason", string(reason)))

	c.leases.StopHeartbeats()

	if c.cfg.SettleDelay > 0 {
		time.Sleep(c.cfg.SettleDelay)
	}

	endCtx, cancel := context.WithTimeout(context.Background(), c.cfg.EndTimeout)
	endResp, endErr := c.leases.End(endCtx, reason)
	cancel()
	if endErr != nil {
		c.log.Warn("lease end failed during shutdown", slog.Any("error", endErr))
	}

	discCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	if err := c.br.Disconnect(discCtx); err != nil {
		c.log.Warn("bridge disconnect failed during shutdown", slog.Any("error", err))
	}
	cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.CommandTimeout)
	if err := c.br.StopAudioCapture(stopCtx); err != nil {
		c.log.Warn("stop audio capture failed during shutdown", slog.Any("error", err))
	}
	cancel()

	c.cap.SetConnected(false)
	c.br.SetHandler(nil)

	c.setState(StateClosed)
	closed := ClosedEvent{Reason: reason, ConsumedMinutes: endResp.ConsumedMinutes}
	c.emit(closed)

	if c.cancel != nil {
		c.cancel()
	}
	close(c.done)
	if c.loopStarted.Load() {
		<-c.loopDone
	}

	c.evMu.Lock()
	c.evClosed = true
	close(c.events)
	c.evMu.Unlock()

	c.exitOnce.Do(func() {
		if c.exitFn != nil {
			c.exitFn(closed)
		}
	})

	c.log.Info("shutdown complete", slog.String("reason", string(reason)))
}
