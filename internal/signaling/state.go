package signaling

import "github.com/mossy-p/webrtc-rooms/internal/models"

// Phase is the coarse position of a session in its lifecycle.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseMediaAcquired Phase = "media-acquired"
	PhaseHosting       Phase = "hosting"
	PhaseJoining       Phase = "joining"
)

// State is the minimal session state. Everything else is derived from it on
// read and never stored.
type State struct {
	Role                 models.Role
	MediaReady           bool
	RoomID               string
	RemoteDescriptionSet bool
	JoinFormOpen         bool
}

func (s State) Phase() Phase {
	if !s.MediaReady {
		return PhaseIdle
	}
	switch s.Role {
	case models.RoleCaller:
		return PhaseHosting
	case models.RoleCallee:
		return PhaseJoining
	}
	return PhaseMediaAcquired
}

func (s State) CanCreate() bool {
	return s.MediaReady && s.Role == models.RoleNone
}

func (s State) CanJoin() bool {
	return s.MediaReady && s.Role == models.RoleNone && !s.JoinFormOpen
}

func (s State) CanHangUp() bool {
	return s.MediaReady && s.Role != models.RoleNone
}

func (s State) CanRelease() bool {
	return s.MediaReady && s.Role == models.RoleNone
}

// StateView is the JSON shape handed to the UI.
type StateView struct {
	Phase                Phase  `json:"phase"`
	Role                 string `json:"role"`
	RoomID               string `json:"roomId,omitempty"`
	MediaReady           bool   `json:"mediaReady"`
	RemoteDescriptionSet bool   `json:"remoteDescriptionSet"`
	JoinFormOpen         bool   `json:"joinFormOpen"`
	CanCreate            bool   `json:"canCreate"`
	CanJoin              bool   `json:"canJoin"`
	CanHangUp            bool   `json:"canHangUp"`
}

func (s State) View() StateView {
	return StateView{
		Phase:                s.Phase(),
		Role:                 s.Role.String(),
		RoomID:               s.RoomID,
		MediaReady:           s.MediaReady,
		RemoteDescriptionSet: s.RemoteDescriptionSet,
		JoinFormOpen:         s.JoinFormOpen,
		CanCreate:            s.CanCreate(),
		CanJoin:              s.CanJoin(),
		CanHangUp:            s.CanHangUp(),
	}
}
