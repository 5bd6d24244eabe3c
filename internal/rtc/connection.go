package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Connection adapts *webrtc.PeerConnection to PeerConnection.
type Connection struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger
}

var _ PeerConnection = (*Connection)(nil)

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *Connection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.CurrentRemoteDescription()
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and drains RTCP for it so interceptors keep running.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		ci := cand.ToJSON()
		fn(&ci)
	})
}

// OnTrack delivers each remote track as a group of one; pion raises one
// event per track rather than per stream.
func (c *Connection) OnTrack(fn func([]RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn([]RemoteTrack{track})
	})
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *Connection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(fn)
}

func (c *Connection) OnICEGatheringStateChange(fn func(webrtc.ICEGatheringState)) {
	c.pc.OnICEGatheringStateChange(fn)
}

func (c *Connection) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	c.pc.OnSignalingStateChange(fn)
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}
