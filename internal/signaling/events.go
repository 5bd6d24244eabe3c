package signaling

import "sync"

type EventType string

const (
	EventState              EventType = "state"
	EventConnectionState    EventType = "connection-state"
	EventICEConnectionState EventType = "ice-connection-state"
	EventICEGatheringState  EventType = "ice-gathering-state"
	EventSignalingState     EventType = "signaling-state"
	EventRemoteTrack        EventType = "remote-track"
	EventRoomClosed         EventType = "room-closed"
	EventNegotiationFailed  EventType = "negotiation-failed"
)

// Event is published to UI listeners whenever something observable happens.
type Event struct {
	Type   EventType  `json:"type"`
	State  *StateView `json:"state,omitempty"`
	Value  string     `json:"value,omitempty"`
	RoomID string     `json:"roomId,omitempty"`
}

type listeners struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Event)
}

func (l *listeners) add(fn func(Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(Event))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.fns, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(ev Event) {
	l.mu.RLock()
	fns := make([]func(Event), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
