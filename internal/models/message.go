package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// SignalType represents the type of a signaling message
type SignalType string

const (
	// Relayed between paired peers
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
	SignalTypeChat      SignalType = "chat"

	// Client to server control
	SignalTypeFindPeer SignalType = "find-peer"
	SignalTypeStop     SignalType = "stop"

	// Server to client events
	SignalTypeWelcome          SignalType = "welcome"
	SignalTypeWaiting          SignalType = "waiting"
	SignalTypePaired           SignalType = "paired"
	SignalTypePeerDisconnected SignalType = "peer-disconnected"
	SignalTypeUserCount        SignalType = "user-count"
)

// Role tells a paired participant which half of the handshake it drives
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

var (
	ErrMissingRecipient = errors.New("message has no recipient")
	ErrMissingPayload   = errors.New("message has no payload")
)

// SignalMessage is the record exchanged over a participant's relay connection.
// From is set by the relay and never trusted from the sender.
type SignalMessage struct {
	Type    SignalType      `json:"type" validate:"required,oneof=offer answer candidate chat find-peer stop"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SDPPayload carries an opaque session description
type SDPPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload carries an opaque network path descriptor
type CandidatePayload struct {
	Candidate string `json:"candidate"`
}

// ChatPayload carries chat text
type ChatPayload struct {
	Text string `json:"text"`
}

// FindPeerPayload numbers a pairing request. The relay echoes Seq in every
// waiting, paired and peer-disconnected notice the request leads to.
type FindPeerPayload struct {
	Seq uint64 `json:"seq"`
}

// WaitingPayload acknowledges a queued request
type WaitingPayload struct {
	Seq uint64 `json:"seq"`
}

// PairedPayload tells both sides of a new pairing who the peer is
type PairedPayload struct {
	PeerID string `json:"peerId"`
	Role   Role   `json:"role"`
	Seq    uint64 `json:"seq"`
}

// PeerDisconnectedPayload names the partner that left
type PeerDisconnectedPayload struct {
	PeerID string `json:"peerId"`
	Seq    uint64 `json:"seq"`
}

// UserCountPayload is broadcast whenever the connection count changes
type UserCountPayload struct {
	Count int `json:"count"`
}

var validate = validator.New()

// IsRelayed reports whether the type is forwarded between paired peers.
func (t SignalType) IsRelayed() bool {
	switch t {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeCandidate, SignalTypeChat:
		return true
	}
	return false
}

// Validate checks a client-sent message before it is acted upon.
func (m SignalMessage) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	if m.Type.IsRelayed() {
		if m.To == "" {
			return ErrMissingRecipient
		}
		if len(m.Payload) == 0 {
			return ErrMissingPayload
		}
	}
	return nil
}

// NewMessage builds a message with the payload encoded as JSON. A nil payload
// produces a message without one.
func NewMessage(t SignalType, to string, payload interface{}) (SignalMessage, error) {
	msg := SignalMessage{Type: t, To: to}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}
	msg.Payload = data
	return msg, nil
}

// DecodePayload unmarshals the message payload into v
func DecodePayload(msg SignalMessage, v interface{}) error {
	if len(msg.Payload) == 0 {
		return ErrMissingPayload
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", msg.Type, err)
	}
	return nil
}
