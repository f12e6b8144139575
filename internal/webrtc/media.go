package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Media is the local capture attached to a Session. Callers feed encoded
// frames into Video and Audio with WriteSample.
type Media struct {
	Video *webrtc.TrackLocalStaticSample
	Audio *webrtc.TrackLocalStaticSample

	pc      *webrtc.PeerConnection
	senders []*webrtc.RTPSender
	once    sync.Once
}

// Close detaches both tracks from the connection.
func (m *Media) Close() error {
	var err error
	m.once.Do(func() {
		for _, sender := range m.senders {
			if rmErr := m.pc.RemoveTrack(sender); rmErr != nil && err == nil {
				err = rmErr
			}
		}
	})
	return err
}
