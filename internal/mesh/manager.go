// Package mesh is the per-participant connection manager: it follows relay
// presence, negotiates one WebRTC session per remote participant and fans
// chat messages out over every open data channel.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

var (
	ErrAlreadyConnected = errors.New("mesh: already connected")
	ErrClosed           = errors.New("mesh: closed")
)

// Signaler is the relay connection the manager drives. *transport.Transport
// implements it.
type Signaler interface {
	Connect(ctx context.Context) error
	Send(env signaling.Envelope) error
	Envelopes() <-chan signaling.Envelope
	Close() error
}

type Config struct {
	// Transport configures the relay connection. Connect fills in
	// DisplayName and OnStateChange.
	Transport transport.Config
	// NewSignaler builds the relay connection from Transport. Defaults to
	// transport.New.
	NewSignaler func(transport.Config) Signaler

	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Logger     *slog.Logger

	// Now stamps outgoing messages. Defaults to time.Now.
	Now func() time.Time
}

// Manager keeps one peer per remote participant.
//
// A single dispatcher goroutine reads relay envelopes in arrival order and
// hands each to the owning peer's worker. Subscribers are called from one
// goroutine, in subscription order.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	sig      Signaler
	selfID   string
	selfName string
	peers    map[string]*peer
	closed   bool

	events     *queue.Queue[func()]
	dispatched chan struct{}
	notified   chan struct{}
	closeOnce  sync.Once

	onMessage    handlers[Message]
	onPeerJoined handlers[Peer]
	onPeerLeft   handlers[Peer]
	onRelayState handlers[transport.State]
}

func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewSignaler == nil {
		cfg.NewSignaler = func(tc transport.Config) Signaler { return transport.New(tc) }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.API == nil {
		cfg.API = webrtc.NewAPI()
	}
	m := &Manager{
		cfg:        cfg,
		log:        cfg.Logger,
		peers:      make(map[string]*peer),
		events:     queue.New[func()](0),
		dispatched: make(chan struct{}),
		notified:   make(chan struct{}),
	}
	go m.notify()
	return m
}

// Connect opens the relay connection under displayName and starts
// dispatching. It waits for the first connection; if ctx ends first the
// connection keeps retrying in the background.
func (m *Manager) Connect(ctx context.Context, displayName string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.sig != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	tc := m.cfg.Transport
	tc.DisplayName = displayName
	if tc.Logger == nil {
		tc.Logger = m.log
	}
	tc.OnStateChange = func(s transport.State) {
		m.emit(func() { m.onRelayState.call(s) })
	}
	sig := m.cfg.NewSignaler(tc)
	m.sig = sig
	m.selfName = displayName
	m.mu.Unlock()

	go m.dispatch(sig)
	return sig.Connect(ctx)
}

func (m *Manager) SelfID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfID
}

// SendBroadcastMessage writes text to every peer whose channel is open and
// returns how many accepted it. Peers still negotiating miss the message.
// Empty text is not sent, since receivers discard it.
func (m *Manager) SendBroadcastMessage(text string) int {
	if text == "" {
		return 0
	}
	m.mu.RLock()
	msg := Message{
		Text:       text,
		SenderID:   m.selfID,
		SenderName: m.selfName,
		SentAt:     m.cfg.Now().UTC(),
	}
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		m.log.Error("encode chat message", "err", err)
		return 0
	}

	sent := 0
	for _, p := range peers {
		if p.send(data) {
			sent++
		}
	}
	return sent
}

// Peers returns the known peers sorted by id.
func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()

	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) OnMessage(fn func(Message)) (unsubscribe func()) {
	return m.onMessage.add(fn)
}

func (m *Manager) OnPeerJoined(fn func(Peer)) (unsubscribe func()) {
	return m.onPeerJoined.add(fn)
}

func (m *Manager) OnPeerLeft(fn func(Peer)) (unsubscribe func()) {
	return m.onPeerLeft.add(fn)
}

func (m *Manager) OnRelayState(fn func(transport.State)) (unsubscribe func()) {
	return m.onRelayState.add(fn)
}

// Close tears down every peer (each reported as left), closes the relay
// connection and waits for pending subscriber calls. It is idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		sig := m.sig
		m.mu.Unlock()

		if sig != nil {
			err = sig.Close()
			<-m.dispatched
		}
		m.removeAll()

		m.events.Close()
		<-m.notified
	})
	return err
}

func (m *Manager) dispatch(sig Signaler) {
	defer close(m.dispatched)
	for env := range sig.Envelopes() {
		m.handleEnvelope(env)
	}
}

func (m *Manager) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeAssignID:
		m.mu.Lock()
		prev := m.selfID
		m.selfID = env.ID
		m.mu.Unlock()
		if prev != "" && prev != env.ID {
			// The relay no longer routes to prev; every peer has to renegotiate
			// with the new identity.
			m.log.Info("relay identity reset", "previous_id", prev, "self_id", env.ID)
			m.removeAll()
		} else {
			m.log.Info("relay assigned identity", "self_id", env.ID)
		}

	case signaling.TypePresenceJoined:
		if env.ID == "" || env.ID == m.SelfID() {
			return
		}
		if p, ok := m.peer(env.ID); ok {
			// A repeated join carries a new display name.
			p.setName(env.Username)
			return
		}
		p, err := m.addPeer(env.ID, env.Username, webrtcpeer.RoleInitiator)
		if err != nil {
			m.log.Warn("cannot create session", "peer_id", env.ID, "err", err)
			return
		}
		p.tasks.Push(task{offer: true})

	case signaling.TypePresenceLeft:
		if p, ok := m.peer(env.ID); ok {
			m.removePeer(p, true)
		}

	case signaling.TypeOffer:
		if env.From == "" || env.From == m.SelfID() {
			return
		}
		p, ok := m.peer(env.From)
		if !ok {
			// No session exists yet, so an unusable offer is dropped without
			// announcing the sender.
			if _, err := env.SessionDescription(); err != nil {
				m.log.Warn("dropping bad offer", "peer_id", env.From, "err", err)
				return
			}
			var err error
			if p, err = m.addPeer(env.From, env.Username, webrtcpeer.RoleResponder); err != nil {
				m.log.Warn("cannot create session", "peer_id", env.From, "err", err)
				return
			}
		}
		p.tasks.Push(task{env: &env})

	case signaling.TypeAnswer, signaling.TypeCandidate:
		p, ok := m.peer(env.From)
		if !ok {
			m.log.Debug("no session for envelope", "type", string(env.Type), "peer_id", env.From)
			return
		}
		p.tasks.Push(task{env: &env})

	default:
		m.log.Debug("ignoring envelope", "type", string(env.Type))
	}
}

func (m *Manager) peer(id string) (*peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// addPeer registers a peer with a fresh session, starts its worker and
// reports it as joined.
func (m *Manager) addPeer(id, name string, role webrtcpeer.Role) (*peer, error) {
	p := newPeer(m, id, name)
	if _, err := p.replaceSession(role); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		p.close()
		return nil, ErrClosed
	}
	m.peers[id] = p
	m.mu.Unlock()

	go p.run()
	info := p.info()
	m.log.Info("peer joined", "peer_id", id, "name", name, "role", role.String())
	m.emit(func() { m.onPeerJoined.call(info) })
	return p, nil
}

// removePeer tears p down once. The map entry is only removed if it is
// still p.
func (m *Manager) removePeer(p *peer, notify bool) {
	if !p.close() {
		return
	}
	m.mu.Lock()
	if m.peers[p.id] == p {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()

	info := p.info()
	info.Open = false
	m.log.Info("peer left", "peer_id", p.id, "name", info.Name)
	if notify {
		m.emit(func() { m.onPeerLeft.call(info) })
	}
}

func (m *Manager) removeAll() {
	m.mu.RLock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.RUnlock()
	for _, p := range peers {
		m.removePeer(p, true)
	}
}

// signal sends env to the relay. Failures are dropped: negotiation resumes
// through presence once the relay is back.
func (m *Manager) signal(env signaling.Envelope) {
	m.mu.RLock()
	sig := m.sig
	m.mu.RUnlock()
	if sig == nil {
		return
	}
	if err := sig.Send(env); err != nil {
		m.log.Debug("signal dropped", "type", string(env.Type), "target", env.Target, "err", err)
	}
}

func (m *Manager) emit(fn func()) {
	m.events.Push(fn)
}

func (m *Manager) notify() {
	defer close(m.notified)
	for {
		fn, ok := m.events.Pop()
		if !ok {
			return
		}
		fn()
	}
}
