package relay

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
)

type fakeConn struct {
	name string

	mu   sync.Mutex
	got  []signaling.Envelope
	full bool
}

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) RemoteAddr() string { return c.name }

func (c *fakeConn) Send(env signaling.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.got = append(c.got, env)
	return true
}

func (c *fakeConn) envelopes() []signaling.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signaling.Envelope(nil), c.got...)
}

func (c *fakeConn) ofType(t signaling.MessageType) []signaling.Envelope {
	var out []signaling.Envelope
	for _, env := range c.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func newTestRelay(t *testing.T, window time.Duration) (*Relay, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	r := New(Config{Logger: slogt.New(t), Metrics: m, ResumeWindow: window})
	t.Cleanup(r.Close)
	return r, m
}

func mustRegister(t *testing.T, r *Relay, c Conn) Identity {
	t.Helper()
	ident, err := r.RegisterClient(c, "")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return ident
}

func offerTo(target string) signaling.Envelope {
	return signaling.Envelope{Type: signaling.TypeOffer, Target: target, Data: []byte(`{"type":"offer","sdp":"v=0"}`)}
}

func TestRelay_ConcurrentRegistrationsGetDistinctIDs(t *testing.T) {
	r, _ := newTestRelay(t, 0)

	const n = 200
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ident, err := r.RegisterClient(newFakeConn(fmt.Sprintf("c%d", i)), "")
			if err != nil {
				t.Errorf("RegisterClient: %v", err)
				return
			}
			ids <- ident.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
}

func TestRelay_RegisterSendsAssignID(t *testing.T) {
	r, _ := newTestRelay(t, 0)
	a := newFakeConn("a")
	ident := mustRegister(t, r, a)

	got := a.ofType(signaling.TypeAssignID)
	if len(got) != 1 || got[0].ID != ident.ID {
		t.Fatalf("assignId=%#v, want id %q", got, ident.ID)
	}
	if ident.DisplayName != "" {
		t.Fatalf("display name=%q before identify", ident.DisplayName)
	}
}

func TestRelay_IdentifyBroadcastsToOthersOnly(t *testing.T) {
	r, _ := newTestRelay(t, 0)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	idA := mustRegister(t, r, a)
	mustRegister(t, r, b)
	mustRegister(t, r, c)

	if err := r.Identify(a, "Alice"); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	if got := a.ofType(signaling.TypePresenceJoined); len(got) != 0 {
		t.Fatalf("sender received its own join: %#v", got)
	}
	for _, peer := range []*fakeConn{b, c} {
		got := peer.ofType(signaling.TypePresenceJoined)
		if len(got) != 1 || got[0].ID != idA.ID || got[0].Username != "Alice" {
			t.Fatalf("%s joins=%#v", peer.name, got)
		}
	}

	// Same name again is not re-announced.
	if err := r.Identify(a, "Alice"); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got := b.ofType(signaling.TypePresenceJoined); len(got) != 1 {
		t.Fatalf("duplicate identify re-broadcast: %d joins", len(got))
	}
}

func TestRelay_RouteStampsSenderAndUnicasts(t *testing.T) {
	r, m := newTestRelay(t, 0)
	a, b, c := newFakeConn("a"), newFakeConn("b"), newFakeConn("c")
	idA := mustRegister(t, r, a)
	idB := mustRegister(t, r, b)
	mustRegister(t, r, c)
	_ = r.Identify(a, "Alice")

	env := offerTo(idB.ID)
	env.From = "spoofed"
	env.Username = "Mallory"
	if err := r.RouteEnvelope(a, env); err != nil {
		t.Fatalf("RouteEnvelope: %v", err)
	}

	got := b.ofType(signaling.TypeOffer)
	if len(got) != 1 {
		t.Fatalf("b offers=%d, want 1", len(got))
	}
	if got[0].From != idA.ID || got[0].Username != "Alice" {
		t.Fatalf("sender not stamped: from=%q username=%q", got[0].From, got[0].Username)
	}
	if offers := c.ofType(signaling.TypeOffer); len(offers) != 0 {
		t.Fatalf("unicast leaked to c")
	}
	if m.Get(metrics.RelayForwarded) == 0 {
		t.Fatalf("expected forwarded metric")
	}
}

func TestRelay_UnknownTargetIsSilentlyDropped(t *testing.T) {
	r, m := newTestRelay(t, 0)
	a := newFakeConn("a")
	mustRegister(t, r, a)

	if err := r.RouteEnvelope(a, offerTo("gone")); err != nil {
		t.Fatalf("RouteEnvelope err=%v, want nil", err)
	}
	if got := m.Get(metrics.RelayDroppedUnroutable); got != 1 {
		t.Fatalf("unroutable=%d, want 1", got)
	}
}

func TestRelay_PreservesPerSenderOrder(t *testing.T) {
	r, _ := newTestRelay(t, 0)
	a, b := newFakeConn("a"), newFakeConn("b")
	mustRegister(t, r, a)
	idB := mustRegister(t, r, b)

	for i := 0; i < 50; i++ {
		env := signaling.Envelope{
			Type:   signaling.TypeCandidate,
			Target: idB.ID,
			Data:   []byte(fmt.Sprintf(`{"candidate":"c%d"}`, i)),
		}
		if err := r.RouteEnvelope(a, env); err != nil {
			t.Fatalf("RouteEnvelope: %v", err)
		}
	}
	got := b.ofType(signaling.TypeCandidate)
	for i, env := range got {
		cand, err := env.Candidate()
		if err != nil {
			t.Fatalf("Candidate: %v", err)
		}
		if want := fmt.Sprintf("c%d", i); cand.Candidate != want {
			t.Fatalf("candidate %d=%q, want %q", i, cand.Candidate, want)
		}
	}
}

func TestRelay_HandleMessageDropsMalformed(t *testing.T) {
	r, m := newTestRelay(t, 0)
	a, b := newFakeConn("a"), newFakeConn("b")
	mustRegister(t, r, a)
	mustRegister(t, r, b)

	for _, raw := range []string{
		`not json`,
		`{"target":"x"}`,
		`{"type":"offer"}`,
		`{"type":"answer"}`,
		`{"type":"assignId","id":"x"}`,
	} {
		r.HandleMessage(a, []byte(raw))
	}
	if got := m.Get(metrics.RelayDroppedMalformed); got != 5 {
		t.Fatalf("dropped_malformed=%d, want 5", got)
	}
	if got := len(b.envelopes()); got != 1 { // only its own assignId
		t.Fatalf("b received %d envelopes, want 1", got)
	}

	// Connection keeps working afterwards.
	r.HandleMessage(a, []byte(`{"type":"identify","username":"Alice"}`))
	if got := b.ofType(signaling.TypePresenceJoined); len(got) != 1 {
		t.Fatalf("identify after malformed input not processed")
	}
}

func TestRelay_PresenceBroadcastForcesSenderID(t *testing.T) {
	r, _ := newTestRelay(t, 0)
	a, b := newFakeConn("a"), newFakeConn("b")
	idA := mustRegister(t, r, a)
	mustRegister(t, r, b)

	r.HandleMessage(a, []byte(`{"type":"presenceJoined","id":"someone-else","username":"x"}`))
	got := b.ofType(signaling.TypePresenceJoined)
	if len(got) != 1 || got[0].ID != idA.ID {
		t.Fatalf("presence=%#v, want id %q", got, idA.ID)
	}
}

func TestRelay_DisconnectBroadcastsLeave(t *testing.T) {
	r, _ := newTestRelay(t, 0)
	a, b := newFakeConn("a"), newFakeConn("b")
	idA := mustRegister(t, r, a)
	mustRegister(t, r, b)
	_ = r.Identify(a, "Alice")

	r.HandleDisconnect(a)
	r.HandleDisconnect(a) // second call is a no-op

	got := b.ofType(signaling.TypePresenceLeft)
	if len(got) != 1 || got[0].ID != idA.ID || got[0].Username != "Alice" {
		t.Fatalf("leaves=%#v", got)
	}
	if _, ok := r.Registry().Lookup(idA.ID); ok {
		t.Fatalf("registry still holds %q", idA.ID)
	}
}

func TestRelay_DisconnectBeforeIdentifyIsQuiet(t *testing.T) {
	r, _ := newTestRelay(t, 0)
	a, b := newFakeConn("a"), newFakeConn("b")
	mustRegister(t, r, a)
	mustRegister(t, r, b)

	r.HandleDisconnect(a)
	if got := b.ofType(signaling.TypePresenceLeft); len(got) != 0 {
		t.Fatalf("leave broadcast for never-announced identity: %#v", got)
	}
}

func TestRelay_ResumeWithinWindowKeepsIdentity(t *testing.T) {
	r, m := newTestRelay(t, time.Minute)
	a, b := newFakeConn("a"), newFakeConn("b")
	idA := mustRegister(t, r, a)
	mustRegister(t, r, b)
	_ = r.Identify(a, "Alice")

	r.HandleDisconnect(a)
	if got := b.ofType(signaling.TypePresenceLeft); len(got) != 0 {
		t.Fatalf("leave broadcast inside resume window")
	}

	a2 := newFakeConn("a2")
	ident, err := r.RegisterClient(a2, idA.ID)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if ident.ID != idA.ID {
		t.Fatalf("resumed id=%q, want %q", ident.ID, idA.ID)
	}
	if err := r.Identify(a2, "Alice"); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if got := b.ofType(signaling.TypePresenceJoined); len(got) != 1 {
		t.Fatalf("joins=%d, want 1 (no re-announce on resume)", len(got))
	}
	if got := m.Get(metrics.RelayResumed); got != 1 {
		t.Fatalf("resumed=%d, want 1", got)
	}
}

func TestRelay_ResumeWindowExpiryBroadcastsLeave(t *testing.T) {
	r, _ := newTestRelay(t, 20*time.Millisecond)
	a, b := newFakeConn("a"), newFakeConn("b")
	idA := mustRegister(t, r, a)
	mustRegister(t, r, b)
	_ = r.Identify(a, "Alice")

	r.HandleDisconnect(a)

	deadline := time.Now().Add(2 * time.Second)
	for len(b.ofType(signaling.TypePresenceLeft)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("presenceLeft not broadcast after window")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The reservation is gone: resuming yields a fresh identity.
	ident, err := r.RegisterClient(newFakeConn("late"), idA.ID)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if ident.ID == idA.ID {
		t.Fatalf("expired identity was resumed")
	}
}

func TestRelay_ResumeOfLiveIdentityIsRefused(t *testing.T) {
	r, _ := newTestRelay(t, time.Minute)
	a := newFakeConn("a")
	idA := mustRegister(t, r, a)

	ident, err := r.RegisterClient(newFakeConn("thief"), idA.ID)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if ident.ID == idA.ID {
		t.Fatalf("live identity was stolen")
	}
}

func TestRelay_CloseFlushesPendingLeavesAndRefusesClients(t *testing.T) {
	m := metrics.New()
	r := New(Config{Logger: slogt.New(t), Metrics: m, ResumeWindow: time.Hour})
	a, b := newFakeConn("a"), newFakeConn("b")
	mustRegister(t, r, a)
	mustRegister(t, r, b)
	_ = r.Identify(a, "Alice")
	r.HandleDisconnect(a)

	r.Close()
	r.Close()

	if got := b.ofType(signaling.TypePresenceLeft); len(got) != 1 {
		t.Fatalf("leaves=%d, want 1", len(got))
	}
	if _, err := r.RegisterClient(newFakeConn("c"), ""); err != ErrRelayClosed {
		t.Fatalf("RegisterClient err=%v, want %v", err, ErrRelayClosed)
	}
}
