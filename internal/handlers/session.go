package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-rooms/internal/signaling"
)

// Session is the set of user operations the HTTP surface drives.
type Session interface {
	State() signaling.State
	Subscribe(fn func(signaling.Event)) func()
	AcquireMedia(ctx context.Context) error
	ReleaseMedia() error
	BeginJoin() error
	CancelJoin() error
	CreateSession(ctx context.Context) (string, error)
	JoinSession(ctx context.Context, roomID string) error
	HangUp(ctx context.Context) error
}

// JoinRequest represents the join request body
type JoinRequest struct {
	RoomID string `json:"roomId" binding:"required"`
}

type stateResponse struct {
	State   signaling.StateView `json:"state"`
	RoomID  string              `json:"roomId,omitempty"`
	Warning string              `json:"warning,omitempty"`
}

func GetSession(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, stateResponse{State: s.State().View()})
	}
}

func AcquireMedia(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.State().MediaReady {
			conflict(c, s)
			return
		}
		if err := s.AcquireMedia(c.Request.Context()); err != nil {
			respondError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, stateResponse{State: s.State().View()})
	}
}

func ReleaseMedia(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.State().CanRelease() {
			conflict(c, s)
			return
		}
		if err := s.ReleaseMedia(); err != nil {
			respondError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, stateResponse{State: s.State().View()})
	}
}

func OpenJoinForm(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.State().CanJoin() {
			conflict(c, s)
			return
		}
		if err := s.BeginJoin(); err != nil {
			respondError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, stateResponse{State: s.State().View()})
	}
}

func CloseJoinForm(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.CancelJoin(); err != nil {
			respondError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, stateResponse{State: s.State().View()})
	}
}

// CreateSession hosts a new room.
func CreateSession(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.State().CanCreate() {
			conflict(c, s)
			return
		}
		roomID, err := s.CreateSession(c.Request.Context())
		if err != nil {
			respondError(c, s, err)
			return
		}
		c.JSON(http.StatusCreated, stateResponse{State: s.State().View(), RoomID: roomID})
	}
}

// JoinSession answers an existing room by id.
func JoinSession(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req JoinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}
		if !s.State().CanCreate() {
			conflict(c, s)
			return
		}
		if err := s.JoinSession(c.Request.Context(), req.RoomID); err != nil {
			respondError(c, s, err)
			return
		}
		c.JSON(http.StatusOK, stateResponse{State: s.State().View(), RoomID: req.RoomID})
	}
}

// HangUp always returns the session to media-acquired; a failed room
// cleanup is reported as a warning.
func HangUp(s Session) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.State().CanHangUp() {
			conflict(c, s)
			return
		}
		resp := stateResponse{}
		if err := s.HangUp(c.Request.Context()); err != nil {
			if errors.Is(err, signaling.ErrNotPermitted) {
				respondError(c, s, err)
				return
			}
			log.Warn().Err(err).Str("module", "handlers").Msg("hang-up cleanup incomplete")
			resp.Warning = "room cleanup failed"
		}
		resp.State = s.State().View()
		c.JSON(http.StatusOK, resp)
	}
}

func conflict(c *gin.Context, s Session) {
	c.JSON(http.StatusConflict, gin.H{
		"error": "Operation not permitted in current state",
		"state": s.State().View(),
	})
}

func respondError(c *gin.Context, s Session, err error) {
	switch {
	case errors.Is(err, signaling.ErrNotPermitted):
		conflict(c, s)
	case errors.Is(err, signaling.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, signaling.ErrPreconditionFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "Room is no longer available"})
	case errors.Is(err, signaling.ErrMediaAcquisition):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to acquire media"})
	case errors.Is(err, signaling.ErrStoreWrite):
		log.Error().Err(err).Str("module", "handlers").Msg("store write failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Signaling store unavailable"})
	default:
		log.Error().Err(err).Str("module", "handlers").Msg("session operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
