package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidEnvelope wraps every parse and validation failure.
var ErrInvalidEnvelope = errors.New("signaling: invalid envelope")

type MessageType string

const (
	TypeIdentify       MessageType = "identify"
	TypeAssignID       MessageType = "assignId"
	TypePresenceJoined MessageType = "presenceJoined"
	TypePresenceLeft   MessageType = "presenceLeft"
	TypeOffer          MessageType = "offer"
	TypeAnswer         MessageType = "answer"
	TypeCandidate      MessageType = "candidate"
)

func (t MessageType) known() bool {
	switch t {
	case TypeIdentify, TypeAssignID, TypePresenceJoined, TypePresenceLeft,
		TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// IsPresence reports whether t is a presence broadcast.
func (t MessageType) IsPresence() bool {
	return t == TypePresenceJoined || t == TypePresenceLeft
}

// IsNegotiation reports whether t carries a targeted offer/answer/candidate.
func (t MessageType) IsNegotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeCandidate
}

// Envelope is the single wire message shape.
//
// From and Username on forwarded envelopes are stamped by the relay; values
// supplied by a sender are overwritten.
type Envelope struct {
	Type     MessageType     `json:"type"`
	ID       string          `json:"id,omitempty"`
	From     string          `json:"from,omitempty"`
	Target   string          `json:"target,omitempty"`
	Username string          `json:"username,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Parse decodes and validates one envelope. Unknown fields are tolerated,
// trailing data is not.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidEnvelope)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	if !e.Type.known() {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidEnvelope, e.Type)
	}
	switch {
	case e.Type == TypeAssignID && e.ID == "":
		return fmt.Errorf("%w: assignId missing id", ErrInvalidEnvelope)
	case e.Type.IsNegotiation():
		trimmed := bytes.TrimSpace(e.Data)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			return fmt.Errorf("%w: %s missing data", ErrInvalidEnvelope, e.Type)
		}
		if trimmed[0] != '{' {
			return fmt.Errorf("%w: %s data must be an object", ErrInvalidEnvelope, e.Type)
		}
	}
	return nil
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// SessionDescription decodes the offer or answer carried by e. The embedded
// sdp type must agree with the envelope type.
func (e Envelope) SessionDescription() (webrtc.SessionDescription, error) {
	if e.Type != TypeOffer && e.Type != TypeAnswer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s carries no session description", ErrInvalidEnvelope, e.Type)
	}
	var wire SDP
	if err := json.Unmarshal(e.Data, &wire); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if wire.Type != string(e.Type) {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s envelope has sdp.type=%q", ErrInvalidEnvelope, e.Type, wire.Type)
	}
	desc, err := wire.ToPion()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return desc, nil
}

// Candidate decodes the ICE candidate carried by e.
func (e Envelope) Candidate() (webrtc.ICECandidateInit, error) {
	if e.Type != TypeCandidate {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %s carries no candidate", ErrInvalidEnvelope, e.Type)
	}
	var wire Candidate
	if err := json.Unmarshal(e.Data, &wire); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return wire.ToPion(), nil
}

func Identify(displayName string) Envelope {
	return Envelope{Type: TypeIdentify, Username: displayName}
}

func AssignID(id string) Envelope {
	return Envelope{Type: TypeAssignID, ID: id}
}

func PresenceJoined(id, displayName string) Envelope {
	return Envelope{Type: TypePresenceJoined, ID: id, Username: displayName}
}

func PresenceLeft(id, displayName string) Envelope {
	return Envelope{Type: TypePresenceLeft, ID: id, Username: displayName}
}

// Description builds an offer or answer envelope addressed to target.
func Description(target string, desc webrtc.SessionDescription) (Envelope, error) {
	var t MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		t = TypeOffer
	case webrtc.SDPTypeAnswer:
		t = TypeAnswer
	default:
		return Envelope{}, fmt.Errorf("unsupported sdp type %s", desc.Type)
	}
	data, err := json.Marshal(SDPFromPion(desc))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Target: target, Data: data}, nil
}

// CandidateFor builds a candidate envelope addressed to target.
func CandidateFor(target string, init webrtc.ICECandidateInit) (Envelope, error) {
	data, err := json.Marshal(CandidateFromPion(init))
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: TypeCandidate, Target: target, Data: data}, nil
}
