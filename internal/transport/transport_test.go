package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/neilotoole/slogt"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type fakeClock struct {
	mu      sync.Mutex
	waiters []chan time.Time
	calls   chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{calls: make(chan time.Duration, 64)}
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	c.calls <- d
	return ch
}

// Fire releases the oldest pending timer.
func (c *fakeClock) Fire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return
	}
	c.waiters[0] <- time.Now()
	c.waiters = c.waiters[1:]
}

func (c *fakeClock) waitCall(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.calls:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("no reconnect scheduled")
		return 0
	}
}

type serverConn struct {
	conn   *websocket.Conn
	resume string
	first  signaling.Envelope
}

// fakeRelay assigns sequential ids and records the first envelope of every
// connection.
type fakeRelay struct {
	t      *testing.T
	reject atomic.Bool
	dials  atomic.Int64

	mu    sync.Mutex
	conns []*serverConn
	next  int
	seen  chan *serverConn
	msgs  chan signaling.Envelope
}

func startFakeRelay(t *testing.T) (*fakeRelay, *httptest.Server) {
	t.Helper()
	fr := &fakeRelay{
		t:    t,
		seen: make(chan *serverConn, 16),
		msgs: make(chan signaling.Envelope, 64),
	}
	ts := httptest.NewServer(http.HandlerFunc(fr.serve))
	t.Cleanup(ts.Close)
	return fr, ts
}

func (fr *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	fr.dials.Add(1)
	if fr.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	fr.mu.Lock()
	fr.next++
	id := "id-" + string(rune('0'+fr.next))
	sc := &serverConn{conn: conn, resume: r.URL.Query().Get("resume")}
	fr.conns = append(fr.conns, sc)
	fr.mu.Unlock()

	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	sc.first, _ = signaling.Parse(data)
	_ = conn.WriteJSON(signaling.AssignID(id))
	fr.seen <- sc

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if env, err := signaling.Parse(data); err == nil {
			fr.msgs <- env
		}
	}
}

func (fr *fakeRelay) waitConn(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fr.seen:
		return sc
	case <-time.After(5 * time.Second):
		t.Fatalf("no connection reached the relay")
		return nil
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func nextEnvelope(t *testing.T, tr *Transport) signaling.Envelope {
	t.Helper()
	select {
	case env, ok := <-tr.Envelopes():
		if !ok {
			t.Fatalf("envelope stream closed")
		}
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("no envelope received")
		return signaling.Envelope{}
	}
}

func waitState(t *testing.T, tr *Transport, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tr.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state=%s, want %s", tr.State(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTransport_IdentifiesFirstAndAfterReconnect(t *testing.T) {
	fr, ts := startFakeRelay(t)
	clk := newFakeClock()
	tr := New(Config{URL: wsURL(ts), DisplayName: "Alice", Logger: slogt.New(t), Clock: clk})
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sc := fr.waitConn(t)
	if sc.first.Type != signaling.TypeIdentify || sc.first.Username != "Alice" {
		t.Fatalf("first envelope=%#v, want identify", sc.first)
	}
	if sc.resume != "" {
		t.Fatalf("resume=%q on first dial", sc.resume)
	}
	if env := nextEnvelope(t, tr); env.Type != signaling.TypeAssignID || env.ID != "id-1" {
		t.Fatalf("unexpected envelope: %#v", env)
	}

	_ = sc.conn.Close()
	if d := clk.waitCall(t); d != DefaultReconnectDelay {
		t.Fatalf("reconnect delay=%s, want %s", d, DefaultReconnectDelay)
	}
	waitState(t, tr, StateReconnecting)
	if err := tr.Send(signaling.Identify("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while down err=%v, want ErrNotConnected", err)
	}

	clk.Fire()
	sc2 := fr.waitConn(t)
	if sc2.first.Type != signaling.TypeIdentify || sc2.first.Username != "Alice" {
		t.Fatalf("first envelope after reconnect=%#v, want identify", sc2.first)
	}
	if sc2.resume != "id-1" {
		t.Fatalf("resume=%q, want id-1", sc2.resume)
	}

	// The stream continues across the reconnect.
	if env := nextEnvelope(t, tr); env.Type != signaling.TypeAssignID || env.ID != "id-2" {
		t.Fatalf("unexpected envelope: %#v", env)
	}
	waitState(t, tr, StateConnected)
	if got := tr.ID(); got != "id-2" {
		t.Fatalf("ID=%q, want id-2", got)
	}
}

func TestTransport_SendReachesRelay(t *testing.T) {
	fr, ts := startFakeRelay(t)
	tr := New(Config{URL: wsURL(ts), DisplayName: "Alice", Logger: slogt.New(t)})
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fr.waitConn(t)

	env := signaling.Envelope{Type: signaling.TypeCandidate, Target: "b", Data: []byte(`{"candidate":"c"}`)}
	if err := tr.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-fr.msgs:
		if got.Type != signaling.TypeCandidate || got.Target != "b" {
			t.Fatalf("relay got %#v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("relay did not receive envelope")
	}
}

func TestTransport_BackoffDoublesUpToMax(t *testing.T) {
	fr, ts := startFakeRelay(t)
	fr.reject.Store(true)
	clk := newFakeClock()
	tr := New(Config{
		URL:               wsURL(ts),
		Logger:            slogt.New(t),
		Clock:             clk,
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 4 * time.Second,
	})
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tr.Connect(ctx)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if d := clk.waitCall(t); d != w {
			t.Fatalf("delay %d=%s, want %s", i, d, w)
		}
		if i == len(want)-1 {
			fr.reject.Store(false)
		}
		clk.Fire()
	}

	// A successful connect resets the delay.
	sc := fr.waitConn(t)
	_ = sc.conn.Close()
	if d := clk.waitCall(t); d != time.Second {
		t.Fatalf("delay after success=%s, want 1s", d)
	}
}

func TestTransport_SecureDialFallsBackToInsecure(t *testing.T) {
	fr, ts := startFakeRelay(t)
	url := "wss" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	tr := New(Config{URL: url, DisplayName: "Alice", Logger: slogt.New(t)})
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	fr.waitConn(t)
}

func TestTransport_CloseIsIdempotentAndCancelsReconnect(t *testing.T) {
	fr, ts := startFakeRelay(t)
	fr.reject.Store(true)
	clk := newFakeClock()

	var mu sync.Mutex
	var states []State
	tr := New(Config{
		URL:    wsURL(ts),
		Logger: slogt.New(t),
		Clock:  clk,
		OnStateChange: func(s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tr.Connect(ctx)
	clk.waitCall(t)
	dials := fr.dials.Load()

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	clk.Fire()
	time.Sleep(50 * time.Millisecond)

	if got := fr.dials.Load(); got != dials {
		t.Fatalf("dials=%d after Close, want %d", got, dials)
	}
	if tr.State() != StateClosed {
		t.Fatalf("state=%s, want closed", tr.State())
	}
	if err := tr.Send(signaling.Identify("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close err=%v, want ErrClosed", err)
	}
	if err := tr.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect after Close err=%v, want ErrClosed", err)
	}

	select {
	case _, ok := <-tr.Envelopes():
		if ok {
			t.Fatalf("unexpected envelope after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("envelope stream not closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(states)
		last := StateDisconnected
		if n > 0 {
			last = states[n-1]
		}
		mu.Unlock()
		if last == StateClosed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state callbacks did not end with closed")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRelayURL(t *testing.T) {
	u, err := relayURL("https://relay.example.com/ws", "abc")
	if err != nil {
		t.Fatalf("relayURL: %v", err)
	}
	if got := u.String(); got != "wss://relay.example.com/ws?resume=abc" {
		t.Fatalf("url=%q", got)
	}
	if _, err := relayURL("ftp://relay.example.com", ""); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
