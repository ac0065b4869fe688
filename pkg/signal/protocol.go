// Package signal implements the peer-to-peer signaling channel: the JSON
// wire protocol spoken with the relay server and a client that registers
// (userId, matchId), reconnects with bounded backoff and carries call
// control separately from offer/answer/ICE exchange.
package signal

import (
	"encoding/json"
	"fmt"
)

// Client → server events.
const (
	EventRegister     = "register"
	EventInitiateCall = "initiate-call"
	EventAcceptCall   = "accept-call"
	EventRejectCall   = "reject-call"
	EventEndCall      = "end-call"
	EventOffer        = "offer"
	EventAnswer       = "answer"
	EventICECandidate = "ice-candidate"
	EventHeartbeat    = "heartbeat"
)

// Server → client events. offer, answer and ice-candidate are relayed in
// both directions.
const (
	EventJoined         = "joined"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventIncomingCall   = "incoming-call"
	EventCallAccepted   = "call-accepted"
	EventCallRejected   = "call-rejected"
	EventCallEnded      = "call-ended"
	EventError          = "error"
	EventServerShutdown = "server-shutdown"
)

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals payload into an envelope for event.
func Encode(event string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("signal: encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Identity is the payload of register and heartbeat.
type Identity struct {
	UserID  string `json:"userId"`
	MatchID string `json:"matchId"`
}

// Route addresses a relayed message. Clients set To; the server replaces it
// with From on delivery.
type Route struct {
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

// CallControl is the payload of initiate/accept/reject/end-call and their
// server-side counterparts.
type CallControl struct {
	Route
	Reason string `json:"reason,omitempty"`
}

// Description is a session description as browsers serialise it.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Offer is the payload of offer.
type Offer struct {
	Route
	Offer Description `json:"offer"`
}

// Answer is the payload of answer.
type Answer struct {
	Route
	Answer Description `json:"answer"`
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICECandidate is the payload of ice-candidate.
type ICECandidate struct {
	Route
	Candidate Candidate `json:"candidate"`
}

// Joined is sent to a client after it registers.
type Joined struct {
	MatchID      string   `json:"matchId"`
	Participants []string `json:"participants"`
}

// UserEvent is the payload of user-joined and user-left.
type UserEvent struct {
	UserID string `json:"userId"`
}

// Shutdown is the payload of server-shutdown.
type Shutdown struct {
	Message string `json:"message"`
}

// Error is a typed error reported by the server. It never tears down an
// established media session.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("signal: %s: %s", e.Type, e.Message) }

// Server error types.
const (
	ErrTypePeerUnavailable = "peer-unavailable"
	ErrTypeNotRegistered   = "not-registered"
	ErrTypeBadMessage      = "bad-message"
	ErrTypeMatchFull       = "match-full"
	ErrTypeRateLimited     = "rate-limited"
)
