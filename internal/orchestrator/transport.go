package orchestrator

import (
	"context"

	"github.com/mossy-p/webrtc-roulette/internal/models"
)

// ConnectionState mirrors the direct path state reported by the transport
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// MediaHandle is the local capture acquired for one session
type MediaHandle interface {
	Close() error
}

// Track describes a remote media track
type Track struct {
	ID       string
	Kind     string
	StreamID string
}

// Transport is the media and negotiation capability driven by the
// orchestrator. Session descriptions and path descriptors are opaque tokens.
// Callbacks may fire on any goroutine.
type Transport interface {
	AcquireLocalMedia(ctx context.Context) (MediaHandle, error)
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, remoteSDP string) (string, error)
	SetRemoteDescription(ctx context.Context, sdp string) error
	AddPathDescriptor(descriptor string) error
	OnPathDescriptorDiscovered(fn func(descriptor string))
	OnRemoteTrack(fn func(Track))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

// TransportFactory builds a fresh transport for every session attempt
type TransportFactory func() (Transport, error)

// Signaler sends messages over the participant's relay connection
type Signaler interface {
	Send(msg models.SignalMessage) error
}
