package mesh

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/relay"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer/vnettest"
)

func TestMesh_AliceAndBobChatThroughRelay(t *testing.T) {
	r := relay.New(relay.Config{Logger: slogt.New(t).With("component", "relay")})
	ts := httptest.NewServer(relay.NewWebSocketServer(r, relay.WebSocketConfig{Logger: slogt.New(t)}))
	t.Cleanup(func() {
		ts.Close()
		r.Close()
	})
	relayURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	apis := vnettest.NewLAN(t, 2)
	newManager := func(i int, name string) (*Manager, *recorder) {
		m := New(Config{
			Transport: transport.Config{URL: relayURL, ReconnectDelay: 50 * time.Millisecond},
			API:       apis[i],
			Logger:    slogt.New(t).With("self", name),
		})
		t.Cleanup(func() { _ = m.Close() })
		rec := record(m)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Connect(ctx, name); err != nil {
			t.Fatalf("Connect(%s): %v", name, err)
		}
		return m, rec
	}

	alice, ra := newManager(0, "alice")
	waitFor(t, "alice identity", func() bool { return alice.SelfID() != "" })
	bob, rb := newManager(1, "bob")
	waitFor(t, "bob identity", func() bool { return bob.SelfID() != "" })

	waitFor(t, "alice->bob open", func() bool { return peerOpen(alice, bob.SelfID()) })
	waitFor(t, "bob->alice open", func() bool { return peerOpen(bob, alice.SelfID()) })

	ra.mu.Lock()
	aliceSaw := ra.joined
	ra.mu.Unlock()
	if len(aliceSaw) != 1 || aliceSaw[0].Name != "bob" {
		t.Fatalf("alice joins=%+v, want bob", aliceSaw)
	}
	rb.mu.Lock()
	bobSaw := rb.joined
	rb.mu.Unlock()
	if len(bobSaw) != 1 || bobSaw[0].Name != "alice" {
		t.Fatalf("bob joins=%+v, want alice", bobSaw)
	}

	if n := alice.SendBroadcastMessage("hi bob"); n != 1 {
		t.Fatalf("SendBroadcastMessage=%d, want 1", n)
	}
	waitFor(t, "bob receives", func() bool {
		_, _, n := rb.counts()
		return n == 1
	})
	if got := rb.messages()[0]; got.Text != "hi bob" || got.SenderName != "alice" || got.SenderID != alice.SelfID() {
		t.Fatalf("bob received %+v", got)
	}

	// Bob leaving is seen by alice through relay presence.
	if err := bob.Close(); err != nil {
		t.Fatalf("bob Close: %v", err)
	}
	waitFor(t, "alice sees bob leave", func() bool {
		_, left, _ := ra.counts()
		return left == 1
	})
	if _, left, _ := rb.counts(); left != 1 {
		t.Fatalf("bob peerLeft=%d after Close, want 1", left)
	}
}

// cutProxy forwards TCP to upstream until cut, which drops every live
// connection while still accepting new ones.
type cutProxy struct {
	ln       net.Listener
	upstream string

	mu    sync.Mutex
	conns []net.Conn
	count int
}

func newCutProxy(t *testing.T, upstream string) *cutProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &cutProxy{ln: ln, upstream: upstream}
	t.Cleanup(func() {
		_ = ln.Close()
		p.cut()
	})
	go p.serve()
	return p
}

func (p *cutProxy) serve() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		up, err := net.Dial("tcp", p.upstream)
		if err != nil {
			_ = c.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, c, up)
		p.count++
		p.mu.Unlock()
		go func() { _, _ = io.Copy(up, c); _ = up.Close() }()
		go func() { _, _ = io.Copy(c, up); _ = c.Close() }()
	}
}

func (p *cutProxy) cut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = nil
}

func (p *cutProxy) accepted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func TestMesh_RelayDropWithinResumeWindowKeepsPeers(t *testing.T) {
	r := relay.New(relay.Config{Logger: slogt.New(t).With("component", "relay"), ResumeWindow: 5 * time.Second})
	ts := httptest.NewServer(relay.NewWebSocketServer(r, relay.WebSocketConfig{Logger: slogt.New(t)}))
	t.Cleanup(func() {
		ts.Close()
		r.Close()
	})
	proxy := newCutProxy(t, ts.Listener.Addr().String())

	apis := vnettest.NewLAN(t, 2)
	newManager := func(i int, name, url string, delay time.Duration) (*Manager, *recorder) {
		m := New(Config{
			Transport: transport.Config{URL: url, ReconnectDelay: delay},
			API:       apis[i],
			Logger:    slogt.New(t).With("self", name),
		})
		t.Cleanup(func() { _ = m.Close() })
		rec := record(m)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Connect(ctx, name); err != nil {
			t.Fatalf("Connect(%s): %v", name, err)
		}
		waitFor(t, name+" identity", func() bool { return m.SelfID() != "" })
		return m, rec
	}

	// The reconnect delay gives the relay time to see the drop first.
	alice, ra := newManager(0, "alice", "ws://"+proxy.ln.Addr().String(), 250*time.Millisecond)
	var (
		statesMu sync.Mutex
		states   []transport.State
	)
	alice.OnRelayState(func(s transport.State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})
	bob, rb := newManager(1, "bob", "ws"+strings.TrimPrefix(ts.URL, "http"), 50*time.Millisecond)

	waitFor(t, "alice->bob open", func() bool { return peerOpen(alice, bob.SelfID()) })
	waitFor(t, "bob->alice open", func() bool { return peerOpen(bob, alice.SelfID()) })
	aliceID := alice.SelfID()

	proxy.cut()
	if n := alice.SendBroadcastMessage("during outage"); n != 1 {
		t.Fatalf("SendBroadcastMessage during outage=%d, want 1", n)
	}
	waitFor(t, "bob receives during outage", func() bool {
		_, _, n := rb.counts()
		return n == 1
	})

	waitFor(t, "alice reconnects", func() bool {
		statesMu.Lock()
		defer statesMu.Unlock()
		sawReconnecting := false
		for _, s := range states {
			if s == transport.StateReconnecting {
				sawReconnecting = true
			}
			if sawReconnecting && s == transport.StateConnected {
				return true
			}
		}
		return false
	})
	if got := proxy.accepted(); got != 2 {
		t.Fatalf("proxy accepted %d connections, want 2", got)
	}
	if got := alice.SelfID(); got != aliceID {
		t.Fatalf("alice id changed across resume: %q -> %q", aliceID, got)
	}

	// Well past the reconnect, nobody saw a leave and the sessions are intact.
	time.Sleep(500 * time.Millisecond)
	for name, rec := range map[string]*recorder{"alice": ra, "bob": rb} {
		if joined, left, _ := rec.counts(); joined != 1 || left != 0 {
			t.Fatalf("%s joins/leaves=%d/%d, want 1/0", name, joined, left)
		}
	}
	if !peerOpen(alice, bob.SelfID()) || !peerOpen(bob, aliceID) {
		t.Fatalf("sessions closed across relay drop")
	}

	if n := bob.SendBroadcastMessage("after resume"); n != 1 {
		t.Fatalf("SendBroadcastMessage after resume=%d, want 1", n)
	}
	waitFor(t, "alice receives after resume", func() bool {
		_, _, n := ra.counts()
		return n == 1
	})
}
