// Package participant keeps the ordered roster of a call.
//
// The Registry is the single source of truth for who is in the call and
// what their flags are. Writers send partial updates; each set field is
// merged independently so a speaking update from the activity monitor
// never overwrites a concurrent mute update from the controls.
package participant

import "errors"

// LocalID is the reserved identifier of the local user.
const LocalID = "local"

// ConnectionStatus is the media connection state of a participant.
type ConnectionStatus uint8

const (
	// StatusConnecting is set until media flows.
	StatusConnecting ConnectionStatus = iota
	// StatusConnected means media is flowing.
	StatusConnected
	// StatusDisconnected means the participant's media path was lost.
	StatusDisconnected
)

// String returns the lowercase status name.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "connecting"
	}
}

var (
	// ErrReservedID is returned when a remote update uses LocalID.
	ErrReservedID = errors.New("participant id is reserved for the local user")
	// ErrLocalRemoval is returned by Remove for LocalID; use Clear.
	ErrLocalRemoval = errors.New("local participant can only be removed by clearing the registry")
	// ErrEmptyID is returned for an empty remote id.
	ErrEmptyID = errors.New("participant id cannot be empty")
)

// Participant is one entry of the roster. IsSpeaking is volatile display
// state. StreamID only references a stream; ownership stays with the
// media controller or the transport.
type Participant struct {
	ID               string
	DisplayName      string
	IsMuted          bool
	IsCameraOff      bool
	IsSpeaking       bool
	ConnectionStatus ConnectionStatus
	StreamID         string
}

// Update is a partial participant record. Nil fields are left untouched.
type Update struct {
	DisplayName      *string
	IsMuted          *bool
	IsCameraOff      *bool
	IsSpeaking       *bool
	ConnectionStatus *ConnectionStatus
	StreamID         *string
}

// Bool returns a pointer for use in Update literals.
func Bool(v bool) *bool { return &v }

// String returns a pointer for use in Update literals.
func String(v string) *string { return &v }

// Status returns a pointer for use in Update literals.
func Status(v ConnectionStatus) *ConnectionStatus { return &v }

// Empty reports whether the update sets no field.
func (u Update) Empty() bool {
	return u.DisplayName == nil && u.IsMuted == nil && u.IsCameraOff == nil &&
		u.IsSpeaking == nil && u.ConnectionStatus == nil && u.StreamID == nil
}

func (u Update) apply(p *Participant) bool {
	changed := false
	if u.DisplayName != nil && p.DisplayName != *u.DisplayName {
		p.DisplayName = *u.DisplayName
		changed = true
	}
	if u.IsMuted != nil && p.IsMuted != *u.IsMuted {
		p.IsMuted = *u.IsMuted
		changed = true
	}
	if u.IsCameraOff != nil && p.IsCameraOff != *u.IsCameraOff {
		p.IsCameraOff = *u.IsCameraOff
		changed = true
	}
	if u.IsSpeaking != nil && p.IsSpeaking != *u.IsSpeaking {
		p.IsSpeaking = *u.IsSpeaking
		changed = true
	}
	if u.ConnectionStatus != nil && p.ConnectionStatus != *u.ConnectionStatus {
		p.ConnectionStatus = *u.ConnectionStatus
		changed = true
	}
	if u.StreamID != nil && p.StreamID != *u.StreamID {
		p.StreamID = *u.StreamID
		changed = true
	}
	return changed
}
