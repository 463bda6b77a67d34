package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

// Sentinel errors for media acquisition.
// Every failure that leaves the controller matches exactly one of them
// through errors.Is.
var (
	// ErrPermissionDenied indicates the user or OS blocked device access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrDeviceUnavailable indicates the device is missing or exclusively
	// claimed by another process.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrUserCancelled indicates the user dismissed a picker or the
	// acquisition was cancelled before it resolved.
	ErrUserCancelled = errors.New("cancelled by user")

	// ErrTrackEnded indicates a live track terminated outside user control.
	ErrTrackEnded = errors.New("track ended unexpectedly")
)

// Stream handling errors.
var (
	// ErrStreamReleased indicates the stream was already released.
	ErrStreamReleased = errors.New("stream already released")

	// ErrNoTrack indicates the stream has no live track of the requested kind.
	ErrNoTrack = errors.New("no live track of requested kind")

	// ErrNilStream indicates a nil stream was passed to the controller.
	ErrNilStream = errors.New("stream cannot be nil")
)

// ErrorKind classifies hardware-layer failures.
type ErrorKind uint8

const (
	// KindDeviceUnavailable is the default classification.
	KindDeviceUnavailable ErrorKind = iota
	// KindPermissionDenied maps to ErrPermissionDenied.
	KindPermissionDenied
	// KindUserCancelled maps to ErrUserCancelled.
	KindUserCancelled
	// KindTrackEnded maps to ErrTrackEnded.
	KindTrackEnded
)

// String returns the label used in logs and metrics.
func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindUserCancelled:
		return "user_cancelled"
	case KindTrackEnded:
		return "track_ended"
	default:
		return "device_unavailable"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindUserCancelled:
		return ErrUserCancelled
	case KindTrackEnded:
		return ErrTrackEnded
	default:
		return ErrDeviceUnavailable
	}
}

// AcquireError is the typed failure returned by the controller.
type AcquireError struct {
	Kind   ErrorKind
	Device string
	Err    error
}

// Error describes the failure with a message that tells permission
// problems apart from missing hardware.
func (e *AcquireError) Error() string {
	var msg string
	switch e.Kind {
	case KindPermissionDenied:
		msg = fmt.Sprintf("access to %s was blocked", e.Device)
	case KindUserCancelled:
		msg = fmt.Sprintf("%s request was cancelled", e.Device)
	case KindTrackEnded:
		msg = fmt.Sprintf("%s track ended unexpectedly", e.Device)
	default:
		msg = fmt.Sprintf("no usable %s found", e.Device)
	}
	if e.Err != nil && !errors.Is(e.Err, e.Kind.sentinel()) {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel of the error's kind.
func (e *AcquireError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Unwrap returns the provider error.
func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Classify maps a provider error onto an ErrorKind.
func Classify(err error) ErrorKind {
	var acqErr *AcquireError
	switch {
	case errors.As(err, &acqErr):
		return acqErr.Kind
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, ErrUserCancelled), errors.Is(err, context.Canceled):
		return KindUserCancelled
	case errors.Is(err, ErrTrackEnded):
		return KindTrackEnded
	default:
		return KindDeviceUnavailable
	}
}

func newAcquireError(device string, err error) *AcquireError {
	return &AcquireError{Kind: Classify(err), Device: device, Err: err}
}
