package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/rtc"
	"github.com/mossy-p/webrtc-rooms/internal/store"
)

var errInjected = errors.New("injected failure")

type fakePC struct {
	mu         sync.Mutex
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	setRemote  []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closed     bool
	offerErr   error
	remoteErr  error
	sdpSuffix  string

	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func([]rtc.RemoteTrack)
	onConn      func(webrtc.PeerConnectionState)
}

var _ rtc.PeerConnection = (*fakePC)(nil)

func (f *fakePC) CreateOffer() (webrtc.SessionDescription, error) {
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer" + f.sdpSuffix}, nil
}

func (f *fakePC) CreateAnswer() (webrtc.SessionDescription, error) {
	if f.RemoteDescription() == nil {
		return webrtc.SessionDescription{}, errors.New("no remote description")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer" + f.sdpSuffix}, nil
}

func (f *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &desc
	return nil
}

func (f *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.remote = &desc
	f.setRemote = append(f.setRemote, desc)
	return nil
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("remote description not set")
	}
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakePC) AddTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakePC) OnTrack(fn func([]rtc.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

func (f *fakePC) OnICEConnectionStateChange(func(webrtc.ICEConnectionState)) {}
func (f *fakePC) OnICEGatheringStateChange(func(webrtc.ICEGatheringState))   {}
func (f *fakePC) OnSignalingStateChange(func(webrtc.SignalingState))         {}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// discover simulates the engine finding a local candidate.
func (f *fakePC) discover(ci *webrtc.ICECandidateInit) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (f *fakePC) deliver(group ...rtc.RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	if fn != nil {
		fn(group)
	}
}

func (f *fakePC) connState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePC) remoteCalls() []webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), f.setRemote...)
}

func (f *fakePC) remoteCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func (f *fakePC) localDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	pcs      []*fakePC
	err       error
	offerErr  error
	remoteErr error
	suffix    string
}

func (f *fakeFactory) NewPeerConnection() (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{offerErr: f.offerErr, remoteErr: f.remoteErr, sdpSuffix: f.suffix}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return "remote" }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func audioTrack(id string) rtc.RemoteTrack {
	return fakeTrack{id: id, kind: webrtc.RTPCodecTypeAudio}
}

type failingSource struct{}

func (failingSource) Acquire(context.Context) (*media.LocalMedia, error) {
	return nil, errors.New("permission denied")
}

// faultyStore wraps a store and fails selected writes.
type faultyStore struct {
	store.Store

	mu         sync.Mutex
	failCreate func(collection string) bool
	failDelete func(path string) bool
	deleted    []string
}

func (f *faultyStore) Create(ctx context.Context, collection string, data any) (string, error) {
	f.mu.Lock()
	fail := f.failCreate != nil && f.failCreate(collection)
	f.mu.Unlock()
	if fail {
		return "", fmt.Errorf("create in %s: %w", collection, errInjected)
	}
	return f.Store.Create(ctx, collection, data)
}

func (f *faultyStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	fail := f.failDelete != nil && f.failDelete(path)
	if !fail {
		f.deleted = append(f.deleted, path)
	}
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("delete %s: %w", path, errInjected)
	}
	return f.Store.Delete(ctx, path)
}

func candidate(s string) *webrtc.ICECandidateInit {
	mid := "0"
	return &webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid}
}
