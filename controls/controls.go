// Package controls holds the user-facing call control flags and the pure
// transitions between them. No hardware is touched here; the session turns
// a new State into track operations.
package controls

import "github.com/opd-ai/callkit/media"

// Volume bounds.
const (
	MinVolume     = 0
	MaxVolume     = 100
	DefaultVolume = 100
)

// State is the snapshot of the local call controls.
type State struct {
	Muted         bool
	VideoOff      bool
	SpeakerOn     bool
	Recording     bool
	ScreenSharing bool
	Volume        int
}

// Default returns the controls at session creation. Voice calls start with
// video off since there is no camera to show.
func Default(callType media.CallType) State {
	return State{
		VideoOff:  callType != media.CallTypeVideo,
		SpeakerOn: true,
		Volume:    DefaultVolume,
	}
}

// ToggleMute flips the microphone flag.
func ToggleMute(s State) State {
	s.Muted = !s.Muted
	return s
}

// ToggleVideo flips the camera flag.
func ToggleVideo(s State) State {
	s.VideoOff = !s.VideoOff
	return s
}

// ToggleSpeaker flips speaker output.
func ToggleSpeaker(s State) State {
	s.SpeakerOn = !s.SpeakerOn
	return s
}

// ToggleRecording flips the recording indicator. Recording itself is
// performed elsewhere, if at all.
func ToggleRecording(s State) State {
	s.Recording = !s.Recording
	return s
}

// SetVolume sets the playback volume clamped to [MinVolume, MaxVolume].
func SetVolume(s State, volume int) State {
	s.Volume = clamp(volume)
	return s
}

// BeginScreenShare marks the screen as the outgoing video source.
func BeginScreenShare(s State) State {
	s.ScreenSharing = true
	return s
}

// EndScreenShare marks the camera as the outgoing video source again.
func EndScreenShare(s State) State {
	s.ScreenSharing = false
	return s
}

// ForceMuted is applied when the microphone is lost.
func ForceMuted(s State) State {
	s.Muted = true
	return s
}

// ForceVideoOff is applied when the camera is lost or cannot be restored.
func ForceVideoOff(s State) State {
	s.VideoOff = true
	return s
}

// CameraActive reports whether the camera should currently be sending.
func CameraActive(s State, callType media.CallType) bool {
	return callType == media.CallTypeVideo && !s.VideoOff && !s.ScreenSharing
}

func clamp(v int) int {
	if v < MinVolume {
		return MinVolume
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}
