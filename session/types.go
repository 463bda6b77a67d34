package session

import (
	"time"

	"github.com/opd-ai/callkit/media"
)

// Status is the lifecycle position of a session.
type Status uint8

const (
	// StatusIdle is a created session that has not started.
	StatusIdle Status = iota
	// StatusConnecting is waiting on hardware or the transport.
	StatusConnecting
	// StatusConnected has live local media.
	StatusConnected
	// StatusFailed records LastError and accepts Retry.
	StatusFailed
	// StatusEnded is terminal; all hardware has been released.
	StatusEnded
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Summary describes a finished session. It is handed to OnEnded.
type Summary struct {
	SessionID    string
	CallType     media.CallType
	ChannelLabel string

	// StartedAt is zero when hardware was never acquired.
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	// LastStatus is the status the session was in when End ran.
	LastStatus Status

	// Reason is set when a fatal transport failure ended the session.
	Reason error

	// PeakParticipants counts the local participant too.
	PeakParticipants int
}

// Observer receives lifecycle events, typically for metrics.
// Calls are made without session locks held.
type Observer interface {
	StatusChanged(from, to Status)
	AcquireFailed(kind media.ErrorKind)
	TrackEnded(kind media.TrackKind)
	SessionEnded(summary Summary)
}

// TimeProvider abstracts time for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

type nopObserver struct{}

func (nopObserver) StatusChanged(Status, Status)  {}
func (nopObserver) AcquireFailed(media.ErrorKind) {}
func (nopObserver) TrackEnded(media.TrackKind)    {}
func (nopObserver) SessionEnded(Summary)          {}
