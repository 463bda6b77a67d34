package session

import (
	"context"
	"fmt"

	"github.com/opd-ai/callkit/controls"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/sirupsen/logrus"
)

// beginIntent rejects control intents outside StatusConnected without
// waiting on a pending Start, then takes the intent lock. The returned
// function releases it.
func (s *Session) beginIntent() (func(), error) {
	if s.Status() != StatusConnected {
		return nil, ErrNotConnected
	}
	s.intent.Lock()
	if s.Status() != StatusConnected {
		s.intent.Unlock()
		return nil, ErrNotConnected
	}
	return s.intent.Unlock, nil
}

// ToggleMute flips the microphone. The audio track is disabled, never
// stopped, so unmuting does not reopen the device.
func (s *Session) ToggleMute() error {
	unlock, err := s.beginIntent()
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	next := controls.ToggleMute(s.state)
	capture := s.capture
	s.mu.Unlock()

	if err := s.cfg.Controller.ToggleTrack(capture, media.TrackKindAudio, !next.Muted); err != nil {
		if !next.Muted {
			return fmt.Errorf("unmute: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function":   "ToggleMute",
			"session_id": s.id,
			"error":      err.Error(),
		}).Debug("No live microphone to disable")
	}

	s.speakMu.Lock()
	s.mu.Lock()
	s.state.Muted = next.Muted
	s.mu.Unlock()

	u := participant.Update{IsMuted: participant.Bool(next.Muted)}
	if next.Muted {
		u.IsSpeaking = participant.Bool(false)
	}
	s.updateLocal(u)
	s.speakMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "ToggleMute",
		"session_id": s.id,
		"muted":      next.Muted,
	}).Debug("Microphone toggled")
	return nil
}

// ToggleVideo flips the camera of a video call. While the screen is
// shared only the preference changes; it is applied when the camera
// comes back. A camera that was lost mid-call is reopened on enable.
func (s *Session) ToggleVideo() error {
	unlock, err := s.beginIntent()
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	if s.callType != media.CallTypeVideo {
		s.mu.Unlock()
		return ErrVideoUnavailable
	}
	next := controls.ToggleVideo(s.state)
	capture := s.capture
	sharing := s.state.ScreenSharing
	s.mu.Unlock()

	if !sharing {
		if err := s.applyCamera(capture, !next.VideoOff); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.state.VideoOff = next.VideoOff
	state := s.state
	s.mu.Unlock()

	s.updateLocal(participant.Update{
		IsCameraOff: participant.Bool(!controls.CameraActive(state, media.CallTypeVideo)),
	})

	logrus.WithFields(logrus.Fields{
		"function":   "ToggleVideo",
		"session_id": s.id,
		"video_off":  next.VideoOff,
		"sharing":    sharing,
	}).Debug("Camera toggled")
	return nil
}

func (s *Session) applyCamera(capture *media.Stream, enabled bool) error {
	err := s.cfg.Controller.ToggleTrack(capture, media.TrackKindVideo, enabled)
	if err == nil || !enabled {
		return nil
	}

	ctx, done := s.scope(context.Background())
	defer done()
	if err := s.cfg.Controller.RestoreVideo(ctx, capture, s.onCaptureEnded); err != nil {
		return fmt.Errorf("enable camera: %w", err)
	}
	if camera := latest(capture); camera != nil {
		s.replaceVideo(camera)
	}
	return nil
}

// ToggleSpeaker flips local playback.
func (s *Session) ToggleSpeaker() error {
	return s.flip("ToggleSpeaker", controls.ToggleSpeaker)
}

// ToggleRecording flips the recording indicator.
func (s *Session) ToggleRecording() error {
	return s.flip("ToggleRecording", controls.ToggleRecording)
}

// SetVolume sets the local playback volume, clamped to 0..100.
func (s *Session) SetVolume(volume int) error {
	return s.flip("SetVolume", func(st controls.State) controls.State {
		return controls.SetVolume(st, volume)
	})
}

// flip applies a transition that has no hardware effect.
func (s *Session) flip(name string, transition func(controls.State) controls.State) error {
	unlock, err := s.beginIntent()
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	s.state = transition(s.state)
	state := s.state
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   name,
		"session_id": s.id,
		"speaker_on": state.SpeakerOn,
		"recording":  state.Recording,
		"volume":     state.Volume,
	}).Debug("Control updated")
	return nil
}
