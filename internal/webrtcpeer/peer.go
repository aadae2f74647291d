package webrtcpeer

import "fmt"

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the negotiation state of a Session.
//
//	Created -> OfferSent | OfferReceived -> AnswerExchanged
//	        -> ChannelConnecting -> ChannelOpen
//
// Any state may move to Closed, which is terminal.
type State int

const (
	StateCreated State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateChannelConnecting
	StateChannelOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerExchanged:
		return "answer_exchanged"
	case StateChannelConnecting:
		return "channel_connecting"
	case StateChannelOpen:
		return "channel_open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type EventKind int

const (
	// EventLocalCandidate carries a locally gathered ICE candidate.
	EventLocalCandidate EventKind = iota
	// EventDataChannel carries a channel opened by the remote side.
	EventDataChannel
	EventChannelOpen
	EventChannelClosed
	EventMessage
	// EventConnectionFailed reports that ICE/DTLS gave up.
	EventConnectionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventLocalCandidate:
		return "local_candidate"
	case EventDataChannel:
		return "data_channel"
	case EventChannelOpen:
		return "channel_open"
	case EventChannelClosed:
		return "channel_closed"
	case EventMessage:
		return "message"
	case EventConnectionFailed:
		return "connection_failed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}
