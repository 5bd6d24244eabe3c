package signaling

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/rtc"
	"github.com/mossy-p/webrtc-rooms/internal/store"
)

// Session coordinates one peer's lifecycle: local media, the room it hosts or
// joins, and the asynchronous store and engine events that complete the
// exchange.
//
// User operations are serialised by opMu. Asynchronous callbacks never take
// opMu; they belong to a call and are dropped once that call is closed.
type Session struct {
	source     media.Source
	engine     rtc.Factory
	rooms      *Rooms
	negotiator *Negotiator
	relay      *Relay
	aggregator *Aggregator
	listeners  listeners

	deleteOnCalleeHangup bool
	log                  zerolog.Logger

	opMu sync.Mutex

	mu    sync.Mutex
	state State
	local *media.LocalMedia
	call  *call
}

// call is everything owned by one hosting or joining attempt.
type call struct {
	pc        rtc.PeerConnection
	role      models.Role
	collector *Collector
	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool

	mu        sync.Mutex
	roomID    string
	subs      []store.Unsubscribe
	remoteSet bool
	failed    bool
	pending   []webrtc.ICECandidateInit
}

func (c *call) room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *call) setRoom(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

func (c *call) track(unsub store.Unsubscribe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		unsub()
		return
	}
	c.subs = append(c.subs, unsub)
}

type SessionOptions struct {
	// CalleeHangupPolicy is config.CalleeHangupLeave or config.CalleeHangupDelete.
	CalleeHangupPolicy string
}

func NewSession(st store.Store, engine rtc.Factory, source media.Source, sink media.Sink, opts SessionOptions, logger zerolog.Logger) *Session {
	return &Session{
		source:               source,
		engine:               engine,
		rooms:                NewRooms(st, logger),
		negotiator:           NewNegotiator(st, logger),
		relay:                NewRelay(st, logger),
		aggregator:           NewAggregator(sink, logger),
		deleteOnCalleeHangup: opts.CalleeHangupPolicy == config.CalleeHangupDelete,
		log:                  logger.With().Str("module", "signaling.session").Logger(),
	}
}

// State returns a snapshot of the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every published event and returns a function
// that removes it.
func (s *Session) Subscribe(fn func(Event)) func() {
	return s.listeners.add(fn)
}

// RemoteStream is the aggregated inbound stream of the current call.
func (s *Session) RemoteStream() *media.Stream {
	return s.aggregator.Stream()
}

func (s *Session) AcquireMedia(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State().MediaReady {
		return fmt.Errorf("%w: media already acquired", ErrNotPermitted)
	}
	local, err := s.source.Acquire(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("media acquisition failed")
		return fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
	}

	s.mu.Lock()
	s.local = local
	s.state = State{MediaReady: true}
	st := s.state
	s.mu.Unlock()

	s.log.Info().Str("stream_id", local.StreamID).Int("tracks", len(local.Tracks)).Msg("Stream acquired")
	s.publishState(st)
	return nil
}

func (s *Session) ReleaseMedia() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.state.CanRelease() {
		s.mu.Unlock()
		return fmt.Errorf("%w: release media", ErrNotPermitted)
	}
	local := s.local
	s.local = nil
	s.state = State{}
	st := s.state
	s.mu.Unlock()

	local.Stop()
	s.log.Info().Msg("local media released")
	s.publishState(st)
	return nil
}

// BeginJoin opens the join form; CancelJoin closes it again.
func (s *Session) BeginJoin() error {
	return s.setJoinForm(true)
}

func (s *Session) CancelJoin() error {
	return s.setJoinForm(false)
}

func (s *Session) setJoinForm(open bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	allowed := s.state.CanJoin()
	if !open {
		allowed = s.state.CanCreate() && s.state.JoinFormOpen
	}
	if !allowed {
		s.mu.Unlock()
		return fmt.Errorf("%w: join form", ErrNotPermitted)
	}
	s.state.JoinFormOpen = open
	st := s.state
	s.mu.Unlock()

	s.publishState(st)
	return nil
}

// CreateSession hosts a new room and returns its id. The answer and the
// callee's candidates are applied asynchronously as they reach the store.
func (s *Session) CreateSession(ctx context.Context) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.State().CanCreate() {
		return "", fmt.Errorf("%w: create session", ErrNotPermitted)
	}

	c, err := s.newCall(models.RoleCaller)
	if err != nil {
		return "", err
	}
	offer, err := s.negotiator.CreateOffer(c.pc)
	if err != nil {
		s.abort(ctx, c)
		return "", err
	}
	roomID, err := s.rooms.CreateRoom(ctx, offer)
	if err != nil {
		s.abort(ctx, c)
		return "", err
	}
	c.setRoom(roomID)
	c.collector.Start(c.ctx, roomID)

	unsub, err := s.negotiator.WatchForAnswer(c.ctx, roomID, c.pc, func(answer webrtc.SessionDescription) {
		s.onAnswer(c, answer)
	})
	if err != nil {
		s.abort(ctx, c)
		return "", fmt.Errorf("watch room %s: %w", roomID, err)
	}
	c.track(unsub)

	if err := s.watchCandidates(c); err != nil {
		s.abort(ctx, c)
		return "", err
	}

	s.commit(c)
	s.log.Info().Str("room_id", roomID).Msg("Current room created")
	return roomID, nil
}

// JoinSession answers the offer stored in roomID. A missing room returns
// ErrRoomNotFound and leaves the session untouched.
func (s *Session) JoinSession(ctx context.Context, roomID string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.State().CanCreate() {
		return fmt.Errorf("%w: join session", ErrNotPermitted)
	}

	room, err := s.rooms.FindRoom(ctx, roomID)
	if err != nil {
		return err
	}

	c, err := s.newCall(models.RoleCallee)
	if err != nil {
		return err
	}
	c.setRoom(roomID)

	answer, err := s.negotiator.CreateAnswer(c.pc, *room.Offer)
	if err != nil {
		s.abort(ctx, c)
		return err
	}
	c.mu.Lock()
	c.remoteSet = true
	c.mu.Unlock()

	if err := s.rooms.AttachAnswer(ctx, roomID, answer); err != nil {
		s.abort(ctx, c)
		return err
	}
	c.collector.Start(c.ctx, roomID)

	if err := s.watchCandidates(c); err != nil {
		s.abort(ctx, c)
		return err
	}
	unsub, err := s.rooms.WatchRoom(c.ctx, roomID, func() { s.onRoomGone(c) })
	if err != nil {
		s.abort(ctx, c)
		return fmt.Errorf("watch room %s: %w", roomID, err)
	}
	c.track(unsub)

	s.commit(c)
	s.log.Info().Str("room_id", roomID).Msg("Joined room")
	return nil
}

// HangUp closes the current call and returns the session to MediaAcquired.
// The transition always completes; a failure to delete the room is logged
// and returned afterwards.
func (s *Session) HangUp(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	c := s.call
	allowed := s.state.CanHangUp()
	s.mu.Unlock()
	if !allowed || c == nil {
		return fmt.Errorf("%w: hang up", ErrNotPermitted)
	}

	err := s.end(ctx, c)

	s.mu.Lock()
	s.state = State{MediaReady: true}
	st := s.state
	s.mu.Unlock()

	s.log.Info().Str("room_id", c.room()).Str("role", c.role.String()).Msg("hung up")
	s.publishState(st)
	return err
}

// Close ends any call and releases local media. It is meant for shutdown.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	c, local := s.call, s.local
	s.local = nil
	s.state = State{}
	s.mu.Unlock()

	var err error
	if c != nil {
		err = s.end(ctx, c)
	}
	if local != nil {
		local.Stop()
	}
	return err
}

func (s *Session) end(ctx context.Context, c *call) error {
	s.teardown(c)
	roomID := c.room()
	if roomID == "" {
		return nil
	}
	if c.role == models.RoleCallee && !s.deleteOnCalleeHangup {
		s.log.Debug().Str("room_id", roomID).Msg("leaving room for its creator to delete")
		return nil
	}
	return s.rooms.DeleteRoom(context.WithoutCancel(ctx), roomID)
}

func (s *Session) newCall(role models.Role) (*call, error) {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()

	pc, err := s.engine.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	for _, track := range local.Tracks {
		if err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track %s: %w", track.ID(), err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &call{pc: pc, role: role, ctx: ctx, cancel: cancel}
	s.registerEngineEvents(c)
	c.collector = s.relay.Collect(pc, role)

	s.mu.Lock()
	s.call = c
	s.mu.Unlock()
	return c, nil
}

func (s *Session) registerEngineEvents(c *call) {
	c.pc.OnTrack(func(group []rtc.RemoteTrack) {
		if c.closed.Load() {
			return
		}
		s.aggregator.HandleTracks(c.ctx, group)
		for _, track := range group {
			s.listeners.emit(Event{Type: EventRemoteTrack, Value: track.ID(), RoomID: c.room()})
		}
	})
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.engineEvent(c, EventConnectionState, state.String())
	})
	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.engineEvent(c, EventICEConnectionState, state.String())
	})
	c.pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		s.engineEvent(c, EventICEGatheringState, state.String())
	})
	c.pc.OnSignalingStateChange(func(state webrtc.SignalingState) {
		s.engineEvent(c, EventSignalingState, state.String())
	})
}

func (s *Session) engineEvent(c *call, typ EventType, value string) {
	roomID := c.room()
	s.log.Debug().Str("event", string(typ)).Str("value", value).Str("room_id", roomID).Msg("connection event")
	if c.closed.Load() {
		return
	}
	s.listeners.emit(Event{Type: typ, Value: value, RoomID: roomID})
}

func (s *Session) watchCandidates(c *call) error {
	roomID := c.room()
	unsub, err := s.relay.Watch(c.ctx, c.role.Remote(), roomID, func(cand models.Candidate) {
		s.onRemoteCandidate(c, cand.ICECandidateInit)
	})
	if err != nil {
		return fmt.Errorf("watch candidates for room %s: %w", roomID, err)
	}
	c.track(unsub)
	return nil
}

// commit publishes a fully established call as the session's state.
func (s *Session) commit(c *call) {
	c.mu.Lock()
	remoteSet, roomID := c.remoteSet, c.roomID
	c.mu.Unlock()

	s.mu.Lock()
	s.state.Role = c.role
	s.state.RoomID = roomID
	s.state.JoinFormOpen = false
	s.state.RemoteDescriptionSet = remoteSet
	st := s.state
	s.mu.Unlock()

	s.publishState(st)
}

// abort undoes a call whose local half failed. A room this call created is
// removed again.
func (s *Session) abort(ctx context.Context, c *call) {
	s.teardown(c)
	if roomID := c.room(); c.role == models.RoleCaller && roomID != "" {
		if err := s.rooms.DeleteRoom(context.WithoutCancel(ctx), roomID); err != nil {
			s.log.Error().Err(err).Str("room_id", roomID).Msg("cleanup after failed create")
		}
	}
}

func (s *Session) teardown(c *call) {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return
	}
	subs := c.subs
	c.subs = nil
	c.pending = nil
	c.mu.Unlock()

	c.collector.Stop()
	for _, unsub := range subs {
		unsub()
	}
	c.cancel()
	if err := c.pc.Close(); err != nil {
		s.log.Warn().Err(err).Msg("closing peer connection")
	}
	s.aggregator.Reset()

	s.mu.Lock()
	if s.call == c {
		s.call = nil
	}
	s.mu.Unlock()
}

func (s *Session) onAnswer(c *call, answer webrtc.SessionDescription) {
	if c.closed.Load() {
		return
	}
	if err := s.negotiator.AcceptAnswer(c.pc, answer); err != nil {
		// The answer is applied at most once, so this call cannot connect.
		c.mu.Lock()
		c.failed = true
		dropped := len(c.pending)
		c.pending = nil
		roomID := c.roomID
		c.mu.Unlock()
		s.log.Error().Err(err).Str("room_id", roomID).Int("dropped_candidates", dropped).
			Msg("applying remote answer failed, call cannot connect")
		s.listeners.emit(Event{Type: EventNegotiationFailed, Value: err.Error(), RoomID: roomID})
		return
	}

	c.mu.Lock()
	c.remoteSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	s.mu.Lock()
	current := s.call == c && s.state.Role == c.role
	if current {
		s.state.RemoteDescriptionSet = true
	}
	st := s.state
	s.mu.Unlock()

	if current {
		s.publishState(st)
	}
	for _, ci := range pending {
		s.addRemoteCandidate(c, ci)
	}
}

// onRemoteCandidate holds candidates that arrive before the remote
// description, since the engine cannot apply them yet.
func (s *Session) onRemoteCandidate(c *call, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	if c.closed.Load() || c.failed {
		c.mu.Unlock()
		return
	}
	if !c.remoteSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	s.addRemoteCandidate(c, ci)
}

func (s *Session) addRemoteCandidate(c *call, ci webrtc.ICECandidateInit) {
	if c.closed.Load() {
		return
	}
	if err := c.pc.AddICECandidate(ci); err != nil {
		s.log.Warn().Err(err).Str("room_id", c.room()).Msg("adding remote candidate")
	}
}

func (s *Session) onRoomGone(c *call) {
	if c.closed.Load() {
		return
	}
	s.listeners.emit(Event{Type: EventRoomClosed, RoomID: c.room()})
}

func (s *Session) publishState(st State) {
	view := st.View()
	s.listeners.emit(Event{Type: EventState, State: &view})
}
