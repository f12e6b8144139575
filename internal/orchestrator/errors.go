package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied and ErrDeviceNotFound are returned (possibly
	// wrapped) by Transport.AcquireLocalMedia.
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")

	ErrClosed    = errors.New("orchestrator closed")
	ErrRelayLost = errors.New("relay connection lost")
)

// ErrorKind is the user-visible failure category
type ErrorKind int

const (
	KindMediaPermissionDenied ErrorKind = iota + 1
	KindMediaDeviceNotFound
	KindPeerNegotiationFailed
	KindTransportDisconnected
	KindNetworkUnreachable
)

func (k ErrorKind) String() string {
	switch k {
	case KindMediaPermissionDenied:
		return "media-permission-denied"
	case KindMediaDeviceNotFound:
		return "media-device-not-found"
	case KindPeerNegotiationFailed:
		return "peer-negotiation-failed"
	case KindTransportDisconnected:
		return "transport-disconnected"
	case KindNetworkUnreachable:
		return "network-unreachable"
	}
	return "unknown"
}

// Message is the text shown to the local user
func (k ErrorKind) Message() string {
	switch k {
	case KindMediaPermissionDenied:
		return "Please allow camera and microphone access"
	case KindMediaDeviceNotFound:
		return "No camera or microphone was found"
	case KindPeerNegotiationFailed:
		return "Could not connect to the stranger"
	case KindTransportDisconnected:
		return "The connection to the stranger was lost"
	case KindNetworkUnreachable:
		return "Cannot reach the matchmaking server"
	}
	return "Something went wrong"
}

// Recoverable reports whether retrying can succeed without the user
// re-authorizing the device.
func (k ErrorKind) Recoverable() bool {
	return k != KindMediaPermissionDenied
}

// SessionError attaches a category to the underlying cause. The cause stays
// local and is never sent to the peer.
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Classify maps err onto a category, using fallback when err carries no
// recognizable cause.
func Classify(err error, fallback ErrorKind) *SessionError {
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return &SessionError{Kind: KindMediaPermissionDenied, Err: err}
	case errors.Is(err, ErrDeviceNotFound):
		return &SessionError{Kind: KindMediaDeviceNotFound, Err: err}
	case errors.Is(err, ErrRelayLost):
		return &SessionError{Kind: KindNetworkUnreachable, Err: err}
	}
	return &SessionError{Kind: fallback, Err: err}
}
