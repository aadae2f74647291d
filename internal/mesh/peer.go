package mesh

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/queue"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

// task is one unit of work for a peer's worker: an inbound envelope, a
// session event, or the initial offer.
type task struct {
	env   *signaling.Envelope
	event *webrtcpeer.Event
	offer bool
}

// peer owns the session with one remote participant. Everything that
// touches the session's negotiation runs on the peer's worker goroutine.
type peer struct {
	m   *Manager
	id  string
	log *slog.Logger

	tasks *queue.Queue[task]

	mu   sync.Mutex
	name string
	sess *webrtcpeer.Session

	closeOnce sync.Once
}

func newPeer(m *Manager, id, name string) *peer {
	p := &peer{
		m:     m,
		id:    id,
		name:  name,
		log:   m.log.With("peer_id", id),
		tasks: queue.New[task](0),
	}
	return p
}

func (p *peer) info() Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := p.sess != nil && p.sess.State() == webrtcpeer.StateChannelOpen
	return Peer{ID: p.id, Name: p.name, Open: open}
}

func (p *peer) setName(name string) {
	if name == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.name != name {
		p.log.Info("peer renamed", "from", p.name, "to", name)
		p.name = name
	}
}

func (p *peer) session() *webrtcpeer.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess
}

// replaceSession installs a fresh session in role, closing the previous one.
// Events still queued from the old session are discarded by the worker.
func (p *peer) replaceSession(role webrtcpeer.Role) (*webrtcpeer.Session, error) {
	sess, err := webrtcpeer.NewSession(webrtcpeer.SessionConfig{
		API:        p.m.cfg.API,
		ICEServers: p.m.cfg.ICEServers,
		PeerID:     p.id,
		Role:       role,
		Logger:     p.m.log,
		OnEvent: func(ev webrtcpeer.Event) {
			p.tasks.Push(task{event: &ev})
		},
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	old := p.sess
	p.sess = sess
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return sess, nil
}

func (p *peer) send(data []byte) bool {
	sess := p.session()
	return sess != nil && sess.Send(data) == nil
}

// run processes tasks in order until the peer is torn down.
func (p *peer) run() {
	for {
		t, ok := p.tasks.Pop()
		if !ok {
			return
		}
		switch {
		case t.offer:
			p.startOffer()
		case t.env != nil:
			p.handleEnvelope(*t.env)
		case t.event != nil:
			p.handleEvent(*t.event)
		}
	}
}

func (p *peer) startOffer() {
	sess := p.session()
	offer, err := sess.CreateOffer()
	if err != nil {
		p.fail("create offer", err)
		return
	}
	p.sendDescription(offer)
}

func (p *peer) handleEnvelope(env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeOffer:
		p.handleOffer(env)
	case signaling.TypeAnswer:
		desc, err := env.SessionDescription()
		if err != nil {
			p.fail("bad answer", err)
			return
		}
		err = p.session().AcceptAnswer(desc)
		switch {
		case errors.Is(err, webrtcpeer.ErrUnexpectedState):
			p.log.Info("ignoring answer", "err", err)
		case err != nil:
			p.fail("accept answer", err)
		}
	case signaling.TypeCandidate:
		c, err := env.Candidate()
		if err != nil {
			p.log.Warn("dropping bad candidate", "err", err)
			return
		}
		if err := p.session().AddRemoteCandidate(c); err != nil {
			p.log.Warn("remote candidate rejected", "err", err)
		}
	}
}

func (p *peer) handleOffer(env signaling.Envelope) {
	desc, err := env.SessionDescription()
	if err != nil {
		p.fail("bad offer", err)
		return
	}

	sess := p.session()
	switch {
	case sess.Role() == webrtcpeer.RoleResponder && sess.State() == webrtcpeer.StateCreated:
	case sess.Role() == webrtcpeer.RoleInitiator && sess.State() == webrtcpeer.StateOfferSent:
		// Glare. The lower id keeps its offer.
		if p.m.SelfID() < p.id {
			p.log.Info("offer collision, keeping local offer")
			return
		}
		p.log.Info("offer collision, answering remote offer")
		if sess, err = p.replaceSession(webrtcpeer.RoleResponder); err != nil {
			p.fail("new session", err)
			return
		}
	default:
		// The remote restarted its side; start over as responder.
		p.log.Info("renegotiating", "state", sess.State().String(), "role", sess.Role().String())
		if sess, err = p.replaceSession(webrtcpeer.RoleResponder); err != nil {
			p.fail("new session", err)
			return
		}
	}

	answer, err := sess.AcceptOffer(desc)
	if err != nil {
		p.fail("accept offer", err)
		return
	}
	p.sendDescription(answer)
}

func (p *peer) handleEvent(ev webrtcpeer.Event) {
	sess := p.session()
	if ev.Session != sess {
		return
	}

	switch ev.Kind {
	case webrtcpeer.EventLocalCandidate:
		env, err := signaling.CandidateFor(p.id, ev.Candidate)
		if err != nil {
			p.log.Warn("encode local candidate", "err", err)
			return
		}
		p.m.signal(env)
	case webrtcpeer.EventMessage:
		if !sess.OwnsChannel(ev.Channel) {
			return
		}
		msg, err := decodeMessage(ev.Data, p.info())
		if err != nil {
			p.log.Warn("dropping chat message", "err", err)
			return
		}
		p.m.emit(func() { p.m.onMessage.call(msg) })
	default:
		if err := sess.Apply(ev); err != nil {
			if errors.Is(err, webrtcpeer.ErrSessionFailed) {
				p.fail("session", err)
			}
			return
		}
		if ev.Kind == webrtcpeer.EventChannelOpen && sess.State() == webrtcpeer.StateChannelOpen {
			p.log.Info("chat channel open")
		}
	}
}

func (p *peer) sendDescription(desc webrtc.SessionDescription) {
	env, err := signaling.Description(p.id, desc)
	if err != nil {
		p.log.Warn("encode description", "err", err)
		return
	}
	p.m.signal(env)
}

func (p *peer) fail(op string, err error) {
	p.log.Warn("tearing down peer", "op", op, "err", err)
	p.m.removePeer(p, true)
}

// close releases the session and stops the worker. Only the first call has
// an effect; it reports whether this call did the work.
func (p *peer) close() bool {
	closed := false
	p.closeOnce.Do(func() {
		closed = true
		p.tasks.Discard()
		p.mu.Lock()
		sess := p.sess
		p.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	})
	return closed
}
