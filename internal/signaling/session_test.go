package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/webrtc-rooms/config"
	"github.com/mossy-p/webrtc-rooms/internal/media"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/store"
	"github.com/mossy-p/webrtc-rooms/internal/store/memory"
)

const waitFor = time.Second

type harness struct {
	session *Session
	factory *fakeFactory
	sink    *media.DrainSink
}

func newHarness(t *testing.T, st store.Store, policy string) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{suffix: " " + uuid.NewString()},
		sink:    media.NewDrainSink(zerolog.Nop()),
	}
	source := media.NewSyntheticSource([]string{media.KindAudio}, zerolog.Nop())
	h.session = NewSession(st, h.factory, source, h.sink, SessionOptions{CalleeHangupPolicy: policy}, zerolog.Nop())
	t.Cleanup(func() { _ = h.session.Close(context.Background()) })
	return h
}

func (h *harness) ready(t *testing.T) *harness {
	t.Helper()
	require.NoError(t, h.session.AcquireMedia(context.Background()))
	return h
}

// fixedFirstID makes the first created document "room-42".
func fixedFirstID() memory.Option {
	var used atomic.Bool
	return memory.WithIDs(func() string {
		if used.CompareAndSwap(false, true) {
			return "room-42"
		}
		return uuid.NewString()
	})
}

func roomExists(t *testing.T, st store.Store, roomID string) bool {
	t.Helper()
	_, err := st.Get(context.Background(), models.RoomPath(roomID))
	if err == nil {
		return true
	}
	require.ErrorIs(t, err, store.ErrNotFound)
	return false
}

func TestAcquireMedia(t *testing.T) {
	h := newHarness(t, memory.New(), config.CalleeHangupLeave)
	assert.Equal(t, PhaseIdle, h.session.State().Phase())

	h.ready(t)
	assert.Equal(t, PhaseMediaAcquired, h.session.State().Phase())

	err := h.session.AcquireMedia(context.Background())
	assert.ErrorIs(t, err, ErrNotPermitted)

	require.NoError(t, h.session.ReleaseMedia())
	assert.Equal(t, State{}, h.session.State())
}

func TestMediaFailureStaysIdle(t *testing.T) {
	s := NewSession(memory.New(), &fakeFactory{}, failingSource{}, media.NewDrainSink(zerolog.Nop()),
		SessionOptions{}, zerolog.Nop())

	err := s.AcquireMedia(context.Background())
	assert.ErrorIs(t, err, ErrMediaAcquisition)
	assert.Equal(t, PhaseIdle, s.State().Phase())

	_, err = s.CreateSession(context.Background())
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestCreateThenHangUp(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := newHarness(t, st, config.CalleeHangupLeave).ready(t)

	roomID, err := h.session.CreateSession(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, roomID)

	state := h.session.State()
	assert.Equal(t, PhaseHosting, state.Phase())
	assert.Equal(t, roomID, state.RoomID)
	assert.False(t, state.RemoteDescriptionSet)
	assert.True(t, roomExists(t, st, roomID))

	pc := h.factory.last()
	require.NotNil(t, pc)
	assert.Len(t, pc.tracks, 1)
	pc.discover(candidate("candidate:1"))
	pc.discover(candidate("candidate:2"))
	pc.discover(nil)
	callerCol := models.CandidatesPath(roomID, models.CallerCandidatesCollection)
	assert.Equal(t, 2, countDocs(t, st, callerCol))

	require.NoError(t, h.session.HangUp(ctx))

	assert.Equal(t, State{MediaReady: true}, h.session.State())
	assert.Equal(t, PhaseMediaAcquired, h.session.State().Phase())
	assert.False(t, roomExists(t, st, roomID))
	assert.Zero(t, countDocs(t, st, callerCol))
	assert.Zero(t, countDocs(t, st, models.CandidatesPath(roomID, models.CalleeCandidatesCollection)))
	assert.True(t, pc.isClosed())
	assert.Zero(t, st.Subscribers(models.RoomPath(roomID)))
	assert.Zero(t, st.Subscribers(models.CandidatesPath(roomID, models.CalleeCandidatesCollection)))

	// Candidates found after hang-up are dropped.
	pc.discover(candidate("candidate:late"))
	assert.Zero(t, countDocs(t, st, callerCol))
}

func TestDerivedBooleansExclusive(t *testing.T) {
	ctx := context.Background()
	st := memory.New(fixedFirstID())

	exclusive := func(s State) {
		n := 0
		for _, b := range []bool{s.CanCreate(), s.CanJoin(), s.CanHangUp()} {
			if b {
				n++
			}
		}
		assert.LessOrEqual(t, n, 1, "phase %s", s.Phase())
	}

	caller := newHarness(t, st, config.CalleeHangupLeave)
	idle := caller.session.State()
	exclusive(idle)
	assert.False(t, idle.CanCreate() || idle.CanJoin() || idle.CanHangUp())

	caller.ready(t)
	acquired := caller.session.State()
	assert.True(t, acquired.CanCreate())
	assert.True(t, acquired.CanJoin())
	assert.False(t, acquired.CanHangUp())

	_, err := caller.session.CreateSession(ctx)
	require.NoError(t, err)
	hosting := caller.session.State()
	exclusive(hosting)
	assert.True(t, hosting.CanHangUp())

	callee := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	require.NoError(t, callee.session.JoinSession(ctx, "room-42"))
	joining := callee.session.State()
	exclusive(joining)
	assert.Equal(t, PhaseJoining, joining.Phase())
	assert.True(t, joining.CanHangUp())
}

func TestCallerCalleeExchange(t *testing.T) {
	ctx := context.Background()
	st := memory.New(fixedFirstID())

	caller := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	roomID, err := caller.session.CreateSession(ctx)
	require.NoError(t, err)
	require.Equal(t, "room-42", roomID)
	callerPC := caller.factory.last()

	callee := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	require.NoError(t, callee.session.JoinSession(ctx, "room-42"))
	calleePC := callee.factory.last()

	assert.Equal(t, PhaseJoining, callee.session.State().Phase())
	assert.True(t, callee.session.State().RemoteDescriptionSet)
	assert.Equal(t, []webrtc.SessionDescription{*callerPC.localDescription()}, calleePC.remoteCalls())

	answer := *calleePC.localDescription()
	assert.Eventually(t, func() bool { return len(callerPC.remoteCalls()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, answer, callerPC.remoteCalls()[0])

	// Unrelated room changes must not apply the answer again.
	require.NoError(t, st.Update(ctx, models.RoomPath(roomID), map[string]any{"touched": true}))
	assert.Never(t, func() bool { return len(callerPC.remoteCalls()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return caller.session.State().RemoteDescriptionSet }, waitFor, 5*time.Millisecond)

	callerPC.discover(candidate("candidate:caller"))
	calleePC.discover(candidate("candidate:callee"))

	assert.Eventually(t, func() bool { return len(calleePC.remoteCandidates()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(callerPC.remoteCandidates()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "candidate:caller", calleePC.remoteCandidates()[0].Candidate)
	assert.Equal(t, "candidate:callee", callerPC.remoteCandidates()[0].Candidate)
}

func TestRemoteCandidatesWaitForAnswer(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	caller := newHarness(t, st, config.CalleeHangupLeave).ready(t)

	roomID, err := caller.session.CreateSession(ctx)
	require.NoError(t, err)
	pc := caller.factory.last()

	_, err = st.Create(ctx, models.CandidatesPath(roomID, models.CalleeCandidatesCollection),
		models.Candidate{ICECandidateInit: *candidate("candidate:early")})
	require.NoError(t, err)
	assert.Never(t, func() bool { return len(pc.remoteCandidates()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, NewRooms(st, zerolog.Nop()).AttachAnswer(ctx, roomID, testAnswer))

	assert.Eventually(t, func() bool { return len(pc.remoteCandidates()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []webrtc.SessionDescription{testAnswer}, pc.remoteCalls())
}

func TestJoinMissingRoom(t *testing.T) {
	h := newHarness(t, memory.New(), config.CalleeHangupLeave).ready(t)
	require.NoError(t, h.session.BeginJoin())

	err := h.session.JoinSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	state := h.session.State()
	assert.Equal(t, PhaseMediaAcquired, state.Phase())
	assert.Equal(t, models.RoleNone, state.Role)
	assert.True(t, state.JoinFormOpen)
	assert.Zero(t, h.factory.count())
}

func TestJoinCandidatePathAsRoomID(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	caller := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	roomID, err := caller.session.CreateSession(ctx)
	require.NoError(t, err)
	caller.factory.last().discover(candidate("candidate:caller"))

	col := models.CandidatesPath(roomID, models.CallerCandidatesCollection)
	var docs []store.Document
	require.Eventually(t, func() bool {
		docs, err = st.List(ctx, col)
		return err == nil && len(docs) == 1
	}, waitFor, 5*time.Millisecond)

	callee := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	err = callee.session.JoinSession(ctx, roomID+"/"+models.CallerCandidatesCollection+"/"+docs[0].ID)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, models.RoleNone, callee.session.State().Role)
	assert.Zero(t, callee.factory.count())
}

func TestJoinAlreadyAnsweredRoom(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	caller := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	roomID, err := caller.session.CreateSession(ctx)
	require.NoError(t, err)

	// Someone else answered first.
	require.NoError(t, NewRooms(st, zerolog.Nop()).AttachAnswer(ctx, roomID, testAnswer))

	callee := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	err = callee.session.JoinSession(ctx, roomID)
	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, State{MediaReady: true}, callee.session.State())
	assert.True(t, callee.factory.last().isClosed())
	assert.True(t, roomExists(t, st, roomID), "callee never deletes a room it failed to join")
}

func TestHangUpWithFailingCandidateDelete(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	st := &faultyStore{Store: mem}
	h := newHarness(t, st, config.CalleeHangupLeave).ready(t)

	roomID, err := h.session.CreateSession(ctx)
	require.NoError(t, err)
	pc := h.factory.last()
	pc.discover(candidate("candidate:1"))
	pc.discover(candidate("candidate:2"))

	col := models.CandidatesPath(roomID, models.CallerCandidatesCollection)
	docs, err := mem.List(ctx, col)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	st.mu.Lock()
	st.failDelete = func(path string) bool { return path == docs[0].Path }
	st.mu.Unlock()

	require.NoError(t, h.session.HangUp(ctx))

	assert.Equal(t, PhaseMediaAcquired, h.session.State().Phase())
	assert.False(t, roomExists(t, mem, roomID))
	assert.Equal(t, 1, countDocs(t, mem, col))
}

func TestHangUpRoomDeleteFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	st := &faultyStore{Store: mem}
	h := newHarness(t, st, config.CalleeHangupLeave).ready(t)

	roomID, err := h.session.CreateSession(ctx)
	require.NoError(t, err)
	st.mu.Lock()
	st.failDelete = func(path string) bool { return path == models.RoomPath(roomID) }
	st.mu.Unlock()

	err = h.session.HangUp(ctx)
	assert.ErrorIs(t, err, ErrStoreWrite)
	assert.Equal(t, State{MediaReady: true}, h.session.State())
	assert.True(t, h.factory.last().isClosed())
}

func TestCalleeHangupPolicy(t *testing.T) {
	tests := []struct {
		policy    string
		roomStays bool
	}{
		{policy: config.CalleeHangupLeave, roomStays: true},
		{policy: config.CalleeHangupDelete, roomStays: false},
	}
	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			ctx := context.Background()
			st := memory.New()
			caller := newHarness(t, st, tt.policy).ready(t)
			roomID, err := caller.session.CreateSession(ctx)
			require.NoError(t, err)

			callee := newHarness(t, st, tt.policy).ready(t)
			require.NoError(t, callee.session.JoinSession(ctx, roomID))
			callee.factory.last().discover(candidate("candidate:callee"))

			require.NoError(t, callee.session.HangUp(ctx))
			assert.Equal(t, PhaseMediaAcquired, callee.session.State().Phase())
			assert.Equal(t, tt.roomStays, roomExists(t, st, roomID))
			assert.Equal(t, PhaseHosting, caller.session.State().Phase())

			require.NoError(t, caller.session.HangUp(ctx))
			assert.False(t, roomExists(t, st, roomID))
			assert.Zero(t, countDocs(t, st, models.CandidatesPath(roomID, models.CalleeCandidatesCollection)))
		})
	}
}

func TestCalleeNotifiedWhenRoomDeleted(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	caller := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	roomID, err := caller.session.CreateSession(ctx)
	require.NoError(t, err)

	callee := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	closed := make(chan string, 1)
	unsubscribe := callee.session.Subscribe(func(ev Event) {
		if ev.Type == EventRoomClosed {
			closed <- ev.RoomID
		}
	})
	defer unsubscribe()
	require.NoError(t, callee.session.JoinSession(ctx, roomID))

	require.NoError(t, caller.session.HangUp(ctx))

	select {
	case got := <-closed:
		assert.Equal(t, roomID, got)
	case <-time.After(waitFor):
		t.Fatal("callee was not told the room closed")
	}
	assert.Equal(t, PhaseJoining, callee.session.State().Phase())
	require.NoError(t, callee.session.HangUp(ctx))
}

func TestCreateFailureRestoresState(t *testing.T) {
	ctx := context.Background()
	st := &faultyStore{
		Store:      memory.New(),
		failCreate: func(collection string) bool { return collection == models.RoomsCollection },
	}
	h := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	require.NoError(t, h.session.BeginJoin())

	_, err := h.session.CreateSession(ctx)
	assert.ErrorIs(t, err, ErrStoreWrite)
	assert.Equal(t, State{MediaReady: true, JoinFormOpen: true}, h.session.State())
	assert.True(t, h.factory.last().isClosed())
}

func TestOfferFailureRestoresState(t *testing.T) {
	st := memory.New()
	h := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	h.factory.offerErr = errInjected

	_, err := h.session.CreateSession(context.Background())
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, State{MediaReady: true}, h.session.State())
	assert.Zero(t, countDocs(t, st, models.RoomsCollection))
}

func TestOperationGuards(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), config.CalleeHangupLeave)

	_, err := h.session.CreateSession(ctx)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.ErrorIs(t, h.session.JoinSession(ctx, "x"), ErrNotPermitted)
	assert.ErrorIs(t, h.session.HangUp(ctx), ErrNotPermitted)
	assert.ErrorIs(t, h.session.BeginJoin(), ErrNotPermitted)
	assert.ErrorIs(t, h.session.ReleaseMedia(), ErrNotPermitted)

	h.ready(t)
	assert.ErrorIs(t, h.session.HangUp(ctx), ErrNotPermitted)
	assert.ErrorIs(t, h.session.CancelJoin(), ErrNotPermitted)

	require.NoError(t, h.session.BeginJoin())
	assert.False(t, h.session.State().CanJoin())
	assert.True(t, h.session.State().CanCreate())
	assert.ErrorIs(t, h.session.BeginJoin(), ErrNotPermitted)
	require.NoError(t, h.session.CancelJoin())
	assert.True(t, h.session.State().CanJoin())

	_, err = h.session.CreateSession(ctx)
	require.NoError(t, err)
	_, err = h.session.CreateSession(ctx)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.ErrorIs(t, h.session.ReleaseMedia(), ErrNotPermitted)
	assert.ErrorIs(t, h.session.BeginJoin(), ErrNotPermitted)
}

func TestAnswerRejectedByEngine(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := newHarness(t, st, config.CalleeHangupLeave).ready(t)
	h.factory.remoteErr = errInjected

	var mu sync.Mutex
	var failures []Event
	defer h.session.Subscribe(func(ev Event) {
		if ev.Type != EventNegotiationFailed {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		failures = append(failures, ev)
	})()

	roomID, err := h.session.CreateSession(ctx)
	require.NoError(t, err)
	pc := h.factory.last()

	_, err = st.Create(ctx, models.CandidatesPath(roomID, models.CalleeCandidatesCollection),
		models.Candidate{ICECandidateInit: *candidate("candidate:early")})
	require.NoError(t, err)
	require.NoError(t, NewRooms(st, zerolog.Nop()).AttachAnswer(ctx, roomID, testAnswer))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	}, waitFor, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, roomID, failures[0].RoomID)
	mu.Unlock()

	_, err = st.Create(ctx, models.CandidatesPath(roomID, models.CalleeCandidatesCollection),
		models.Candidate{ICECandidateInit: *candidate("candidate:late")})
	require.NoError(t, err)
	assert.Never(t, func() bool { return len(pc.remoteCandidates()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	h.session.mu.Lock()
	c := h.session.call
	h.session.mu.Unlock()
	require.NotNil(t, c)
	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()

	assert.False(t, h.session.State().RemoteDescriptionSet)
	require.NoError(t, h.session.HangUp(ctx))
	assert.False(t, roomExists(t, st, roomID))
}

func TestSessionEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memory.New(), config.CalleeHangupLeave)

	var mu sync.Mutex
	var events []Event
	unsubscribe := h.session.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	h.ready(t)
	_, err := h.session.CreateSession(ctx)
	require.NoError(t, err)
	pc := h.factory.last()
	pc.connState(webrtc.PeerConnectionStateConnected)
	pc.deliver(audioTrack("remote-audio"))
	assert.Equal(t, 1, h.sink.Binds())
	assert.Equal(t, 1, h.session.RemoteStream().Len())
	require.NoError(t, h.session.HangUp(ctx))
	assert.Zero(t, h.session.RemoteStream().Len())

	// Late engine events from the closed call are not published.
	pc.connState(webrtc.PeerConnectionStateClosed)
	unsubscribe()

	mu.Lock()
	defer mu.Unlock()
	var phases []Phase
	var other []EventType
	for _, ev := range events {
		if ev.Type == EventState {
			phases = append(phases, ev.State.Phase)
			continue
		}
		other = append(other, ev.Type)
		if ev.Type == EventConnectionState {
			assert.Equal(t, "connected", ev.Value)
		}
	}
	assert.Equal(t, []Phase{PhaseMediaAcquired, PhaseHosting, PhaseMediaAcquired}, phases)
	assert.Equal(t, []EventType{EventConnectionState, EventRemoteTrack}, other)
}
