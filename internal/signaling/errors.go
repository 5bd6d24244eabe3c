package signaling

import "errors"

var (
	// ErrStoreWrite means a create, update or delete against the store failed.
	ErrStoreWrite = errors.New("store write failed")
	// ErrRoomNotFound is the expected outcome of joining a stale or mistyped room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrPreconditionFailed means the room changed under us, e.g. it was
	// deleted before the answer could be attached.
	ErrPreconditionFailed = errors.New("room precondition failed")
	ErrMediaAcquisition   = errors.New("media acquisition failed")
	ErrNotPermitted       = errors.New("operation not permitted in current state")
)
