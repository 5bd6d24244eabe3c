// Package rtc wraps the pion peer connection behind the small surface the
// signaling coordinator consumes.
package rtc

import (
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is an inbound media track.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// PeerConnection is the connection engine as seen by the coordinator.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// RemoteDescription returns nil until a remote description is applied.
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error

	// OnICECandidate is called with nil once gathering completes.
	OnICECandidate(func(*webrtc.ICECandidateInit))
	// OnTrack is called with every track group the remote side delivers.
	OnTrack(func([]RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnICEGatheringStateChange(func(webrtc.ICEGatheringState))
	OnSignalingStateChange(func(webrtc.SignalingState))

	Close() error
}

// Factory builds peer connections for new sessions.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
