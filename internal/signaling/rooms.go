package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/store"
)

const candidateDeleteConcurrency = 8

// Rooms owns room records: creation, lookup, answer attachment and teardown.
type Rooms struct {
	store store.Store
	log   zerolog.Logger
}

func NewRooms(st store.Store, logger zerolog.Logger) *Rooms {
	return &Rooms{
		store: st,
		log:   logger.With().Str("module", "signaling.rooms").Logger(),
	}
}

// CreateRoom stores a new room carrying the caller's offer.
func (r *Rooms) CreateRoom(ctx context.Context, offer webrtc.SessionDescription) (string, error) {
	id, err := r.store.Create(ctx, models.RoomsCollection, models.Room{Offer: &offer})
	if err != nil {
		r.log.Error().Err(err).Msg("Error creating room")
		return "", fmt.Errorf("%w: create room: %w", ErrStoreWrite, err)
	}
	r.log.Info().Str("room_id", id).Msg("New room created with SDP offer")
	return id, nil
}

// FindRoom looks a room up by id. A missing room yields ErrRoomNotFound,
// which is distinct from a failure to reach the store.
func (r *Rooms) FindRoom(ctx context.Context, roomID string) (models.Room, error) {
	// An id with separators would address a nested document.
	if roomID == "" || strings.Contains(roomID, "/") {
		r.log.Info().Str("room_id", roomID).Msg("Unable to find room")
		return models.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	doc, err := r.store.Get(ctx, models.RoomPath(roomID))
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidPath):
		r.log.Info().Str("room_id", roomID).Msg("Unable to find room")
		return models.Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	case err != nil:
		return models.Room{}, fmt.Errorf("find room %s: %w", roomID, err)
	}

	var room models.Room
	if err := doc.Decode(&room); err != nil {
		return models.Room{}, fmt.Errorf("%w: room %s: %w", models.ErrMalformed, roomID, err)
	}
	room.ID = doc.ID
	if err := room.Validate(); err != nil {
		r.log.Warn().Err(err).Str("room_id", roomID).Msg("rejecting malformed room record")
		return models.Room{}, err
	}
	r.log.Info().Str("room_id", room.ID).Msg("Found room")
	return room, nil
}

// AttachAnswer sets the callee's answer on an existing room. It never
// creates a room and refuses to overwrite an answer already present.
func (r *Rooms) AttachAnswer(ctx context.Context, roomID string, answer webrtc.SessionDescription) error {
	err := r.store.Update(ctx, models.RoomPath(roomID), map[string]any{"answer": answer},
		store.FieldPresent("offer"), store.FieldAbsent("answer"))
	switch {
	case err == nil:
		r.log.Info().Str("room_id", roomID).Msg("Updated room with SDP answer")
		return nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidPath):
		r.log.Warn().Str("room_id", roomID).Msg("room vanished before answer was attached")
		return fmt.Errorf("%w: room %s no longer exists", ErrPreconditionFailed, roomID)
	case errors.Is(err, store.ErrPrecondition):
		r.log.Warn().Err(err).Str("room_id", roomID).Msg("room rejected answer")
		return fmt.Errorf("%w: %w", ErrPreconditionFailed, err)
	default:
		r.log.Error().Err(err).Str("room_id", roomID).Msg("Error joining room")
		return fmt.Errorf("%w: attach answer: %w", ErrStoreWrite, err)
	}
}

// DeleteRoom removes both candidate collections and then the room record.
// Every candidate is deleted on its own; failures are logged and never stop
// the remaining deletions or the room deletion.
func (r *Rooms) DeleteRoom(ctx context.Context, roomID string) error {
	for _, collection := range []string{models.CallerCandidatesCollection, models.CalleeCandidatesCollection} {
		r.deleteCandidates(ctx, roomID, collection)
	}
	if err := r.store.Delete(ctx, models.RoomPath(roomID)); err != nil {
		r.log.Error().Err(err).Str("room_id", roomID).Msg("Error deleting room")
		return fmt.Errorf("%w: delete room: %w", ErrStoreWrite, err)
	}
	r.log.Info().Str("room_id", roomID).Msg("room deleted")
	return nil
}

func (r *Rooms) deleteCandidates(ctx context.Context, roomID, collection string) {
	path := models.CandidatesPath(roomID, collection)
	docs, err := r.store.List(ctx, path)
	if err != nil {
		r.log.Error().Err(err).Str("collection", path).Msg("No candidates to delete")
		return
	}

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(candidateDeleteConcurrency)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if err := r.store.Delete(ctx, doc.Path); err != nil {
				failed.Add(1)
				r.log.Error().Err(err).Str("path", doc.Path).Msg("candidate delete failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	r.log.Debug().
		Str("collection", path).
		Int("candidates", len(docs)).
		Int32("failed", failed.Load()).
		Msg("candidates deleted")
}

// WatchRoom calls onGone once the room record disappears.
func (r *Rooms) WatchRoom(ctx context.Context, roomID string, onGone func()) (store.Unsubscribe, error) {
	var gone atomic.Bool
	return r.store.Subscribe(ctx, models.RoomPath(roomID), func(_ store.Document, exists bool) {
		if exists || !gone.CompareAndSwap(false, true) {
			return
		}
		r.log.Info().Str("room_id", roomID).Msg("room closed remotely")
		onGone()
	})
}
