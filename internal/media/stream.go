package media

import (
	"sync"

	"github.com/mossy-p/webrtc-rooms/internal/rtc"
)

// Stream is an ordered set of remote tracks keyed by track id.
type Stream struct {
	mu     sync.RWMutex
	order  []string
	tracks map[string]rtc.RemoteTrack
}

func NewStream() *Stream {
	return &Stream{tracks: make(map[string]rtc.RemoteTrack)}
}

func (s *Stream) TrackByID(id string) (rtc.RemoteTrack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tracks[id]
	return t, ok
}

// AddTrack inserts a track. Callers check TrackByID first; a duplicate id is ignored.
func (s *Stream) AddTrack(t rtc.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tracks[t.ID()]; ok {
		return
	}
	s.tracks[t.ID()] = t
	s.order = append(s.order, t.ID())
}

func (s *Stream) Tracks() []rtc.RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rtc.RemoteTrack, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tracks[id])
	}
	return out
}

func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Stream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.tracks = make(map[string]rtc.RemoteTrack)
}
