package session

import "errors"

// Lifecycle errors.
var (
	// ErrInvalidTransition indicates the intent is not legal from the
	// current status.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrSessionEnded indicates the session was ended while the intent ran,
	// or before it started.
	ErrSessionEnded = errors.New("session has ended")

	// ErrNilController indicates a session was configured without a media
	// controller.
	ErrNilController = errors.New("media controller cannot be nil")
)

// Control errors.
var (
	// ErrNotConnected indicates a control intent outside the connected state.
	ErrNotConnected = errors.New("session is not connected")

	// ErrVideoUnavailable indicates a video toggle on a voice call.
	ErrVideoUnavailable = errors.New("video is not available on a voice call")

	// ErrAlreadySharing indicates a screen share is already running.
	ErrAlreadySharing = errors.New("screen share already active")

	// ErrNotSharing indicates there is no screen share to stop.
	ErrNotSharing = errors.New("no active screen share")
)
