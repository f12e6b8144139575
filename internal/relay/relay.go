// Package relay forwards negotiation and chat messages between paired sessions.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// DefaultMaxChatLength is the rune limit applied to chat text
const DefaultMaxChatLength = 500

var (
	// ErrNotPaired is the routing error for a stale or spoofed recipient.
	ErrNotPaired  = errors.New("sender is not paired with recipient")
	ErrUnroutable = errors.New("message type is not relayed")
)

// Authorizer confirms that two sessions are paired with each other
type Authorizer interface {
	Authorize(from, to string) bool
}

// Deliverer hands a message to a session's connection. Delivery is fire and
// forget.
type Deliverer interface {
	Deliver(sessionID string, msg models.SignalMessage) bool
}

type Relay struct {
	pairs         Authorizer
	out           Deliverer
	maxChatLength int
}

type Option func(*Relay)

// WithMaxChatLength overrides DefaultMaxChatLength
func WithMaxChatLength(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxChatLength = n
		}
	}
}

func New(pairs Authorizer, out Deliverer, opts ...Option) *Relay {
	r := &Relay{pairs: pairs, out: out, maxChatLength: DefaultMaxChatLength}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route forwards msg from fromID to msg.To once the pairing is confirmed. The
// From field is always overwritten with fromID. Chat text that sanitizes to
// nothing is dropped with a nil error.
func (r *Relay) Route(msg models.SignalMessage, fromID string) error {
	if !msg.Type.IsRelayed() {
		return fmt.Errorf("%w: %s", ErrUnroutable, msg.Type)
	}
	if !r.pairs.Authorize(fromID, msg.To) {
		return fmt.Errorf("%w: %s -> %s", ErrNotPaired, fromID, msg.To)
	}

	msg.From = fromID

	if msg.Type == models.SignalTypeChat {
		var chat models.ChatPayload
		if err := models.DecodePayload(msg, &chat); err != nil {
			return err
		}
		chat.Text = SanitizeChat(chat.Text, r.maxChatLength)
		if chat.Text == "" {
			return nil
		}
		data, err := json.Marshal(chat)
		if err != nil {
			return err
		}
		msg.Payload = data
	}

	r.out.Deliver(msg.To, msg)
	return nil
}
