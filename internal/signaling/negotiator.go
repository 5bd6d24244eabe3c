package signaling

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/mossy-p/webrtc-rooms/internal/rtc"
	"github.com/mossy-p/webrtc-rooms/internal/store"
)

// Negotiator produces and consumes session descriptions.
type Negotiator struct {
	store store.Store
	log   zerolog.Logger
}

func NewNegotiator(st store.Store, logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		store: st,
		log:   logger.With().Str("module", "signaling.negotiator").Logger(),
	}
}

// CreateOffer produces the local offer and applies it to the connection.
func (n *Negotiator) CreateOffer(pc rtc.PeerConnection) (webrtc.SessionDescription, error) {
	offer, err := pc.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	n.log.Debug().Msg("Created offer")
	return offer, nil
}

// CreateAnswer applies the remote offer and produces the local answer.
func (n *Negotiator) CreateAnswer(pc rtc.PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	n.log.Debug().Msg("Created answer")
	return answer, nil
}

// AcceptAnswer applies the callee's answer on the caller side.
func (n *Negotiator) AcceptAnswer(pc rtc.PeerConnection, answer webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.log.Info().Msg("Got remote description")
	return nil
}

// WatchForAnswer subscribes to the room and calls onAnswer the first time the
// record carries an answer while the connection still has no remote
// description. The subscription fires for unrelated changes and may repeat.
func (n *Negotiator) WatchForAnswer(ctx context.Context, roomID string, pc rtc.PeerConnection, onAnswer func(webrtc.SessionDescription)) (store.Unsubscribe, error) {
	var fired atomic.Bool
	return n.store.Subscribe(ctx, models.RoomPath(roomID), func(doc store.Document, exists bool) {
		if !exists || fired.Load() || pc.RemoteDescription() != nil {
			return
		}
		var room models.Room
		if err := doc.Decode(&room); err != nil {
			n.log.Warn().Err(err).Str("room_id", roomID).Msg("ignoring malformed room update")
			return
		}
		if room.Answer == nil {
			return
		}
		if err := models.ValidateDescription(*room.Answer, webrtc.SDPTypeAnswer); err != nil {
			n.log.Warn().Err(err).Str("room_id", roomID).Msg("ignoring malformed answer")
			return
		}
		if !fired.CompareAndSwap(false, true) {
			return
		}
		onAnswer(*room.Answer)
	})
}
