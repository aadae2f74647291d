package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed          = errors.New("webrtcpeer: session closed")
	ErrChannelNotOpen  = errors.New("webrtcpeer: data channel not open")
	ErrUnexpectedState = errors.New("webrtcpeer: unexpected state")
	// ErrNegotiation marks a rejected or unusable remote description.
	ErrNegotiation = errors.New("webrtcpeer: negotiation failed")
	// ErrSessionFailed is returned by Apply when the connection or its
	// channel is gone for good.
	ErrSessionFailed = errors.New("webrtcpeer: session failed")
)

// Event is a pion callback turned into a value, so the owner of a Session can
// handle it from the same serialized context as signaling input.
type Event struct {
	Kind    EventKind
	Session *Session

	Candidate webrtc.ICECandidateInit
	Channel   *webrtc.DataChannel
	Data      []byte
}

type SessionConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	PeerID     string
	Role       Role
	Logger     *slog.Logger

	// OnEvent receives every Event of the session. It is called from pion's
	// goroutines and must not block.
	OnEvent func(Event)
}

// Session is the negotiation with one remote peer.
//
// CreateOffer, AcceptOffer, AcceptAnswer, AddRemoteCandidate and Apply must
// be called from one goroutine at a time. State, Send and Close are safe from
// any goroutine.
type Session struct {
	peerID  string
	role    Role
	log     *slog.Logger
	onEvent func(Event)

	pc *webrtc.PeerConnection

	mu        sync.Mutex
	state     State
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	// addCandidate applies a remote candidate; tests replace it.
	addCandidate func(webrtc.ICECandidateInit) error

	closeOnce sync.Once
}

func NewSession(cfg SessionConfig) (*Session, error) {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s := &Session{
		peerID:  cfg.PeerID,
		role:    cfg.Role,
		log:     logger.With("peer_id", cfg.PeerID, "role", cfg.Role.String()),
		onEvent: cfg.OnEvent,
		pc:      pc,
		state:   StateCreated,
	}
	s.addCandidate = pc.AddICECandidate

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		s.emit(Event{Kind: EventLocalCandidate, Candidate: c.ToJSON()})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		// Emit before watching so the channel's own events queue behind it.
		s.emit(Event{Kind: EventDataChannel, Channel: dc})
		s.watchChannel(dc)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			s.emit(Event{Kind: EventConnectionFailed})
		}
	})

	return s, nil
}

func (s *Session) PeerID() string { return s.peerID }

func (s *Session) Role() Role { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingCandidates reports how many remote candidates are waiting for the
// remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// CreateOffer opens the chat data channel and returns the local offer,
// already set as local description. Initiator only.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	if err := s.expect(RoleInitiator, StateCreated); err != nil {
		return webrtc.SessionDescription{}, err
	}

	dc, err := s.pc.CreateDataChannel(DataChannelLabelChat, chatDataChannelInit())
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create data channel: %w", err)
	}
	s.setChannel(dc)
	s.watchChannel(dc)

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	s.setState(StateOfferSent)
	return offer, nil
}

// AcceptOffer applies a remote offer and returns the local answer, already
// set as local description. Responder only.
func (s *Session) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.expect(RoleResponder, StateCreated); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %s", ErrNegotiation, offer.Type)
	}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set remote offer: %v", ErrNegotiation, err)
	}
	s.setState(StateOfferReceived)
	s.flushPending()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	s.setState(StateAnswerExchanged)
	return answer, nil
}

// AcceptAnswer applies the remote answer to a sent offer. Initiator only.
func (s *Session) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := s.expect(RoleInitiator, StateOfferSent); err != nil {
		return err
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", ErrNegotiation, answer.Type)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiation, err)
	}
	s.setState(StateAnswerExchanged)
	s.flushPending()

	// The initiator's channel exists since CreateOffer; it is now waiting
	// for the transport to come up.
	s.advance(StateAnswerExchanged, StateChannelConnecting)
	return nil
}

// AddRemoteCandidate applies c, or queues it until the remote description is
// set. A candidate pion rejects is returned but does not fail the session.
func (s *Session) AddRemoteCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if c.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}
	return s.addCandidate(c)
}

// Apply advances the session for an Event it emitted. It returns
// ErrSessionFailed when the session can no longer deliver messages.
func (s *Session) Apply(ev Event) error {
	if s.State() == StateClosed {
		return ErrClosed
	}

	switch ev.Kind {
	case EventDataChannel:
		dc := ev.Channel
		if s.role != RoleResponder || s.channel() != nil {
			s.log.Warn("rejecting unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return nil
		}
		if err := validateChatDataChannel(dc); err != nil {
			s.log.Warn("rejecting data channel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return nil
		}
		s.setChannel(dc)
		s.advance(StateAnswerExchanged, StateChannelConnecting)
	case EventChannelOpen:
		if ev.Channel != s.channel() {
			return nil
		}
		s.setState(StateChannelOpen)
		s.log.Info("data channel open")
	case EventChannelClosed:
		if ev.Channel != s.channel() {
			return nil
		}
		return fmt.Errorf("%w: data channel closed", ErrSessionFailed)
	case EventConnectionFailed:
		return fmt.Errorf("%w: peer connection failed", ErrSessionFailed)
	}
	return nil
}

// Send writes data to the open data channel as a text message.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	dc, state := s.dc, s.state
	s.mu.Unlock()
	if state != StateChannelOpen || dc == nil {
		return ErrChannelNotOpen
	}
	return dc.SendText(string(data))
}

// Close tears the session down. Only the first call does anything; later
// calls return nil.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.pending = nil
		dc := s.dc
		s.mu.Unlock()

		if dc != nil {
			_ = dc.Close()
		}
		err = s.pc.Close()
		s.log.Debug("session closed")
	})
	return err
}

// OwnsChannel reports whether dc is the session's accepted data channel.
// Events from any other channel are stale.
func (s *Session) OwnsChannel(dc *webrtc.DataChannel) bool {
	return dc != nil && s.channel() == dc
}

func (s *Session) setChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
}

func (s *Session) watchChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		s.emit(Event{Kind: EventChannelOpen, Channel: dc})
	})
	dc.OnClose(func() {
		s.emit(Event{Kind: EventChannelClosed, Channel: dc})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// pion reuses its read buffer.
		data := append([]byte(nil), msg.Data...)
		s.emit(Event{Kind: EventMessage, Channel: dc, Data: data})
	})
}

func (s *Session) channel() *webrtc.DataChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc
}

// flushPending applies queued candidates in arrival order. Failures are
// logged and skipped.
func (s *Session) flushPending() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if c.Candidate == "" {
			continue
		}
		if err := s.addCandidate(c); err != nil {
			s.log.Warn("dropping queued remote candidate", "err", err)
		}
	}
}

func (s *Session) emit(ev Event) {
	if s.onEvent == nil || s.State() == StateClosed {
		return
	}
	ev.Session = s
	s.onEvent(ev)
}

func (s *Session) expect(role Role, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if s.role != role || s.state != state {
		return fmt.Errorf("%w: %s in state %s", ErrUnexpectedState, s.role, s.state)
	}
	return nil
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
}

// advance moves from one state to the next only if the session is still in
// from.
func (s *Session) advance(from, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == from {
		s.state = to
	}
}
