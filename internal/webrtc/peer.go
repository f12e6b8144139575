// Package webrtc implements the orchestrator transport on top of pion.
package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-roulette/internal/orchestrator"
	"github.com/mossy-p/webrtc-roulette/internal/util"
)

var _ orchestrator.Transport = (*Session)(nil)

// ErrClosed is returned by every call made after Close.
var ErrClosed = errors.New("session closed")

// NewFactory returns a factory that builds one Session per attempt, each with
// its own PeerConnection using the given STUN servers.
func NewFactory(stunServers []string) orchestrator.TransportFactory {
	return func() (orchestrator.Transport, error) {
		return NewSession(stunServers)
	}
}

// Session wraps one PeerConnection. Session descriptions travel as raw SDP
// and path descriptors as JSON encoded ICECandidateInit values.
type Session struct {
	pc *webrtc.PeerConnection

	mu     sync.Mutex
	closed bool
}

// NewSession creates a PeerConnection. An empty server list restricts
// gathering to host candidates.
func NewSession(stunServers []string) (*Session, error) {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("NewPeerConnection: %w", err)
	}
	return &Session{pc: pc}, nil
}

// AcquireLocalMedia attaches one video and one audio track to the
// connection. Samples written to the returned Media are sent to the peer.
func (s *Session) AcquireLocalMedia(ctx context.Context) (orchestrator.MediaHandle, error) {
	if err := s.usable(ctx); err != nil {
		return nil, err
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "roulette")
	if err != nil {
		return nil, fmt.Errorf("%w: video track: %v", orchestrator.ErrDeviceNotFound, err)
	}
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "roulette")
	if err != nil {
		return nil, fmt.Errorf("%w: audio track: %v", orchestrator.ErrDeviceNotFound, err)
	}

	m := &Media{pc: s.pc, Video: video, Audio: audio}
	for _, track := range []webrtc.TrackLocal{video, audio} {
		sender, err := s.pc.AddTrack(track)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: AddTrack: %v", orchestrator.ErrDeviceNotFound, err)
		}
		m.senders = append(m.senders, sender)
		go drainRTCP(sender)
	}

	if err := ctx.Err(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// drainRTCP reads incoming RTCP so interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (s *Session) CreateOffer(ctx context.Context) (string, error) {
	if err := s.usable(ctx); err != nil {
		return "", err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("CreateOffer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("SetLocalDescription: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer answers remoteSDP, applying it first unless it already is.
func (s *Session) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	if err := s.usable(ctx); err != nil {
		return "", err
	}
	if s.pc.RemoteDescription() == nil {
		if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  remoteSDP,
		}); err != nil {
			return "", fmt.Errorf("SetRemoteDescription: %w", err)
		}
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("CreateAnswer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("SetLocalDescription: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription applies sdp as an answer when a local offer is
// outstanding and as an offer otherwise.
func (s *Session) SetRemoteDescription(ctx context.Context, sdp string) error {
	if err := s.usable(ctx); err != nil {
		return err
	}
	typ := webrtc.SDPTypeOffer
	if s.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		typ = webrtc.SDPTypeAnswer
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("SetRemoteDescription(%s): %w", typ, err)
	}
	return nil
}

func (s *Session) AddPathDescriptor(descriptor string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(descriptor), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := s.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("AddICECandidate: %w", err)
	}
	return nil
}

func (s *Session) OnPathDescriptorDiscovered(fn func(string)) {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			util.LogWarning("encode candidate: %v", err)
			return
		}
		fn(string(data))
	})
}

func (s *Session) OnRemoteTrack(fn func(orchestrator.Track)) {
	s.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(orchestrator.Track{
			ID:       track.ID(),
			Kind:     track.Kind().String(),
			StreamID: track.StreamID(),
		})
	})
}

func (s *Session) OnConnectionStateChange(fn func(orchestrator.ConnectionState)) {
	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(connectionState(state))
	})
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}

func (s *Session) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func connectionState(state webrtc.PeerConnectionState) orchestrator.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return orchestrator.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return orchestrator.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return orchestrator.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return orchestrator.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return orchestrator.ConnectionClosed
	}
	return orchestrator.ConnectionNew
}
