package models

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Candidate is one ICE candidate as written to a candidate collection.
// The JSON shape matches the engine's native serialization.
type Candidate struct {
	ID string `json:"-"`
	webrtc.ICECandidateInit
}

func (c Candidate) Validate() error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: candidate %s is empty", ErrMalformed, c.ID)
	}
	if c.SDPMid == nil && c.SDPMLineIndex == nil {
		return fmt.Errorf("%w: candidate %s has neither sdpMid nor sdpMLineIndex", ErrMalformed, c.ID)
	}
	return nil
}
