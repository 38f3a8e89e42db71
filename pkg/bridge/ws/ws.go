// Package ws implements the capability bridge over a WebSocket transport.
//
// Commands are correlated request/response frames; push events arrive
// interleaved on the same connection and are delivered to the installed
// handler from a single read loop.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auricle-ai/auricle/pkg/bridge"
)

const defaultHandshakeTimeout = 10 * time.Second

// Options configures a Bridge.
type Options struct {
	// URL is the ws:// or wss:// bridge endpoint.
	URL string
	// Header is attached to the handshake request (auth, client info).
	Header http.Header
	// HandshakeTimeout bounds the WebSocket handshake. Default: 10s.
	HandshakeTimeout time.Duration
	// ClientName and ClientVersion identify this client in the hello frame.
	ClientName    string
	ClientVersion string
	// Logger receives transport diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Bridge is a WebSocket-backed capability bridge client.
type Bridge struct {
	opts Options
	log  *slog.Logger

	handlerMu sync.RWMutex
	handler   bridge.Handler

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	cmdID   atomic.Int64
	pending map[int64]chan serverCommandResult
}

var _ bridge.Bridge = (*Bridge)(nil)

// New creates an unconnected Bridge.
func New(opts Options) (*Bridge, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("bridge URL must not be empty")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		opts:    opts,
		log:     log,
		pending: make(map[int64]chan serverCommandResult),
	}, nil
}

// SetHandler installs the push-event handler.
func (b *Bridge) SetHandler(h bridge.Handler) {
	b.handlerMu.Lock()
	b.handler = h
	b.handlerMu.Unlock()
}

// Connect dials the bridge endpoint and performs the hello exchange. A
// previous connection, if any, is closed first; pending commands on it fail.
func (b *Bridge) Connect(ctx context.Context) error {
	b.closeConn()

	dialer := websocket.Dialer{
		HandshakeTimeout: b.opts.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, b.opts.URL, b.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("bridge dial %s: %w (status %s)", b.opts.URL, err, resp.Status)
		}
		return fmt.Errorf("bridge dial %s: %w", b.opts.URL, err)
	}

	hello := clientHello{
		Type:            "hello",
		ProtocolVersion: ProtocolVersion1,
		Client: helloClient{
			Name:    b.opts.ClientName,
			Version: b.opts.ClientVersion,
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("bridge hello: %w", err)
	}

	var ack serverHelloAck
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(b.opts.HandshakeTimeout))
	}
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return fmt.Errorf("bridge hello ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if ack.Type != "hello_ack" {
		_ = conn.Close()
		return fmt.Errorf("bridge hello ack: unexpected frame type %q", ack.Type)
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.conn = conn
	b.done = done
	b.mu.Unlock()

	go b.readLoop(conn, done)
	return nil
}

// Disconnect performs the close handshake and tears the connection down.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	b.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	b.writeMu.Unlock()

	b.closeConn()
	return nil
}

// SendTextMessage delivers a typed user message.
func (b *Bridge) SendTextMessage(ctx context.Context, text string) error {
	_, err := b.command(ctx, clientCommand{Op: opSendText, Text: text})
	return err
}

// SwitchAudioMode changes the live audio source.
func (b *Bridge) SwitchAudioMode(ctx context.Context, mode bridge.AudioMode) error {
	_, err := b.command(ctx, clientCommand{Op: opSwitchMode, Mode: string(mode)})
	return err
}

// SetMicrophoneDevice selects the microphone input device.
func (b *Bridge) SetMicrophoneDevice(ctx context.Context, deviceID string) error {
	_, err := b.command(ctx, clientCommand{Op: opSetMicDevice, DeviceID: deviceID})
	return err
}

// StopAudioCapture releases the active capture handle.
func (b *Bridge) StopAudioCapture(ctx context.Context) error {
	_, err := b.command(ctx, clientCommand{Op: opStopCapture})
	return err
}

// EnumerateDevices lists the attached input devices.
func (b *Bridge) EnumerateDevices(ctx context.Context) ([]bridge.Device, error) {
	res, err := b.command(ctx, clientCommand{Op: opListDevices})
	if err != nil {
		return nil, err
	}
	return res.Devices, nil
}

func (b *Bridge) command(ctx context.Context, cmd clientCommand) (serverCommandResult, error) {
	b.mu.Lock()
	conn := b.conn
	done := b.done
	if conn == nil {
		b.mu.Unlock()
		return serverCommandResult{}, fmt.Errorf("bridge not connected")
	}
	id := b.cmdID.Add(1)
	reply := make(chan serverCommandResult, 1)
	b.pending[id] = reply
	b.mu.Unlock()

	cmd.Type = "command"
	cmd.ID = id

	b.writeMu.Lock()
	err := conn.WriteJSON(cmd)
	b.writeMu.Unlock()
	if err != nil {
		b.dropPending(id)
		return serverCommandResult{}, fmt.Errorf("bridge command %s: %w", cmd.Op, err)
	}

	select {
	case res := <-reply:
		if !res.OK {
			return res, fmt.Errorf("bridge command %s rejected: %s", cmd.Op, res.Error)
		}
		return res, nil
	case <-done:
		return serverCommandResult{}, fmt.Errorf("bridge command %s: connection closed", cmd.Op)
	case <-ctx.Done():
		b.dropPending(id)
		return serverCommandResult{}, fmt.Errorf("bridge command %s: %w", cmd.Op, ctx.Err())
	}
}

func (b *Bridge) dropPending(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("bridge read loop ended", slog.Any("error", err))
			}
			// Only the still-current connection reports closure; a
			// connection replaced by a reconnect dies silently.
			b.mu.Lock()
			current := b.conn == conn
			if current {
				b.conn = nil
			}
			b.mu.Unlock()
			if current {
				b.deliver(bridge.SessionClosedEvent{})
			}
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			b.log.Debug("undecodable bridge frame", slog.Any("error", err))
			continue
		}

		switch head.Type {
		case "event":
			var frame serverEvent
			if err := json.Unmarshal(data, &frame); err != nil {
				b.log.Debug("undecodable bridge event", slog.Any("error", err))
				continue
			}
			if ev := decodeEvent(frame); ev != nil {
				b.deliver(ev)
			}
		case "command_result":
			var res serverCommandResult
			if err := json.Unmarshal(data, &res); err != nil {
				b.log.Debug("undecodable command result", slog.Any("error", err))
				continue
			}
			b.mu.Lock()
			reply := b.pending[res.ID]
			delete(b.pending, res.ID)
			b.mu.Unlock()
			if reply != nil {
				reply <- res
			}
		default:
			b.log.Debug("unknown bridge frame", slog.String("type", head.Type))
		}
	}
}

func (b *Bridge) deliver(ev bridge.Event) {
	b.handlerMu.RLock()
	h := b.handler
	b.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (b *Bridge) closeConn() {
	b.mu.Lock()
	conn := b.conn
	done := b.done
	b.conn = nil
	b.done = nil
	b.pending = make(map[int64]chan serverCommandResult)
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
}
