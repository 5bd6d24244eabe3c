package models

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Store collection names.
const (
	RoomsCollection            = "rooms"
	CallerCandidatesCollection = "callerCandidates"
	CalleeCandidatesCollection = "calleeCandidates"
)

var ErrMalformed = errors.New("malformed record")

// Room is the rendezvous record pairing a caller's offer with a callee's answer.
type Room struct {
	ID     string                     `json:"-"`
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

// Validate checks the shape a room record must have once it is in the store.
func (r Room) Validate() error {
	if r.Offer == nil {
		return fmt.Errorf("%w: room %s has no offer", ErrMalformed, r.ID)
	}
	if err := ValidateDescription(*r.Offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	if r.Answer != nil {
		if err := ValidateDescription(*r.Answer, webrtc.SDPTypeAnswer); err != nil {
			return err
		}
	}
	return nil
}

// ValidateDescription rejects descriptions of the wrong kind or without SDP.
func ValidateDescription(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: description type %q, want %q", ErrMalformed, desc.Type, want)
	}
	if desc.SDP == "" {
		return fmt.Errorf("%w: empty %s sdp", ErrMalformed, want)
	}
	return nil
}

// RoomPath returns the store path of a room record.
func RoomPath(roomID string) string {
	return RoomsCollection + "/" + roomID
}

// CandidatesPath returns the store path of one of the room's candidate collections.
func CandidatesPath(roomID, collection string) string {
	return RoomPath(roomID) + "/" + collection
}
