// Package transport is the client side of the signaling relay: a WebSocket
// that reconnects on its own, re-identifies after every reconnect and
// presents inbound envelopes as one continuous stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

const (
	DefaultReconnectDelay = 3 * time.Second
	wsWriteWait           = 2 * time.Second
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Clock schedules reconnect delays.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Config struct {
	// URL is the relay endpoint (ws, wss, http or https scheme).
	URL         string
	DisplayName string
	Logger      *slog.Logger

	// ReconnectDelay is the wait after a lost or failed connection. It
	// doubles on consecutive failures up to MaxReconnectDelay and resets
	// after a successful connect.
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	Clock  Clock
	Dialer *websocket.Dialer

	// OnStateChange is called from a single goroutine, in transition order.
	OnStateChange func(State)
}

// Transport is a reconnecting duplex channel to the relay.
type Transport struct {
	cfg Config
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	lastID    string
	started   bool
	connected chan struct{} // closed and replaced on every successful connect

	writeMu sync.Mutex

	inbound *queue.Queue[signaling.Envelope]
	out     chan signaling.Envelope
	states  *queue.Queue[State]

	closing   chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:       cfg,
		log:       cfg.Logger.With("relay_url", cfg.URL),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateDisconnected,
		connected: make(chan struct{}),
		inbound:   queue.New[signaling.Envelope](0),
		out:       make(chan signaling.Envelope),
		states:    queue.New[State](0),
		closing:   make(chan struct{}),
	}
	go t.pump()
	go t.notify()
	return t
}

// Connect starts the connection loop and waits for the first successful
// connection. If ctx ends first, Connect returns its error and the loop
// keeps retrying in the background until Close.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.started {
		t.started = true
		go t.run()
	}
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	connected := t.connected
	t.mu.Unlock()

	select {
	case <-connected:
		return nil
	case <-t.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Envelopes returns the inbound stream. It spans reconnects and is closed
// by Close.
func (t *Transport) Envelopes() <-chan signaling.Envelope {
	return t.out
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ID returns the identity most recently assigned by the relay.
func (t *Transport) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

// Send writes env to the relay. It fails with ErrNotConnected while the
// transport is down; nothing is buffered.
func (t *Transport) Send(env signaling.Envelope) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	t.mu.Unlock()
	if state == StateClosed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return t.write(conn, payload)
}

// Close is idempotent. It cancels any pending reconnect and closes the
// inbound stream.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.state = StateClosed
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()

		t.cancel()
		close(t.closing)
		if conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			t.writeMu.Unlock()
			_ = conn.Close()
		}
		t.inbound.Discard()
		t.states.Push(StateClosed)
		t.states.Close()
	})
	return nil
}

func (t *Transport) run() {
	delay := t.cfg.ReconnectDelay
	for {
		if t.ctx.Err() != nil {
			return
		}
		t.setState(StateConnecting)

		conn, err := t.dial(t.ctx)
		if err == nil {
			delay = t.cfg.ReconnectDelay
			t.serve(conn)
		} else if t.ctx.Err() == nil {
			t.log.Warn("relay dial failed", "err", err, "retry_in", delay)
		}
		if t.ctx.Err() != nil {
			return
		}

		t.setState(StateReconnecting)
		select {
		case <-t.ctx.Done():
			return
		case <-t.cfg.Clock.After(delay):
		}
		delay = min(delay*2, t.cfg.MaxReconnectDelay)
	}
}

// dial connects to the relay, carrying the previous identity so the relay
// can resume it. A failed wss attempt is retried once over ws.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := relayURL(t.cfg.URL, t.ID())
	if err != nil {
		return nil, err
	}

	conn, _, err := t.cfg.Dialer.DialContext(ctx, u.String(), nil)
	if err == nil || u.Scheme != "wss" || ctx.Err() != nil {
		return conn, err
	}

	t.log.Warn("secure relay dial failed, falling back to ws", "err", err)
	insecure := *u
	insecure.Scheme = "ws"
	conn, _, fallbackErr := t.cfg.Dialer.DialContext(ctx, insecure.String(), nil)
	if fallbackErr != nil {
		return nil, errors.Join(err, fallbackErr)
	}
	return conn, nil
}

// serve identifies on conn, publishes it for Send, and reads until it
// breaks. identify is written before conn is visible to other writers, so
// it is always the first envelope of a connection.
func (t *Transport) serve(conn *websocket.Conn) {
	defer conn.Close()

	identify, err := signaling.Identify(t.cfg.DisplayName).Marshal()
	if err != nil {
		t.log.Error("encode identify", "err", err)
		return
	}
	if err := t.write(conn, identify); err != nil {
		t.log.Warn("relay identify failed", "err", err)
		return
	}

	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.conn = conn
	close(t.connected)
	t.connected = make(chan struct{})
	t.mu.Unlock()
	t.setState(StateConnected)
	t.log.Info("relay connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Warn("relay connection lost", "err", err)
			}
			break
		}
		env, err := signaling.Parse(data)
		if err != nil {
			t.log.Warn("dropping malformed envelope from relay", "err", err)
			continue
		}
		if env.Type == signaling.TypeAssignID {
			t.mu.Lock()
			t.lastID = env.ID
			t.mu.Unlock()
		}
		t.inbound.Push(env)
	}

	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	t.setState(StateDisconnected)
}

func (t *Transport) write(conn *websocket.Conn, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == StateClosed || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.states.Push(s)
}

func (t *Transport) notify() {
	for {
		s, ok := t.states.Pop()
		if !ok {
			return
		}
		if t.cfg.OnStateChange != nil {
			t.cfg.OnStateChange(s)
		}
	}
}

func (t *Transport) pump() {
	defer close(t.out)
	for {
		env, ok := t.inbound.Pop()
		if !ok {
			return
		}
		select {
		case t.out <- env:
		case <-t.closing:
			return
		}
	}
}

func relayURL(raw, resumeID string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("relay url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if resumeID != "" {
		q := u.Query()
		q.Set("resume", resumeID)
		u.RawQuery = q.Encode()
	}
	return u, nil
}
