package session

import (
	"context"
	"fmt"

	"github.com/opd-ai/callkit/controls"
	"github.com/opd-ai/callkit/media"
	"github.com/opd-ai/callkit/participant"
	"github.com/sirupsen/logrus"
)

// ShareScreen replaces the camera with a screen capture. The picker is
// shown first: if it is cancelled or fails the camera is left untouched
// and the session stays connected.
func (s *Session) ShareScreen(ctx context.Context) error {
	unlock, err := s.beginIntent()
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	if s.state.ScreenSharing {
		s.mu.Unlock()
		return ErrAlreadySharing
	}
	callType, capture := s.callType, s.capture
	s.mu.Unlock()

	actx, done := s.scope(ctx)
	defer done()

	screen, err := s.cfg.Controller.StartScreenShare(actx, s.onScreenEnded)
	if err != nil {
		s.observer.AcquireFailed(media.Classify(err))
		logrus.WithFields(logrus.Fields{
			"function":   "ShareScreen",
			"session_id": s.id,
			"kind":       media.Classify(err).String(),
			"error":      err.Error(),
		}).Info("Screen share not started")
		return err
	}

	s.mu.Lock()
	if s.status != StatusConnected {
		s.mu.Unlock()
		_ = s.cfg.Controller.Release(screen)
		return ErrSessionEnded
	}
	s.screen = screen
	s.state = controls.BeginScreenShare(s.state)
	s.mu.Unlock()

	if callType == media.CallTypeVideo {
		_ = s.cfg.Controller.StopTracks(capture, media.TrackKindVideo)
	}
	s.replaceVideo(latest(screen))
	s.updateLocal(participant.Update{IsCameraOff: participant.Bool(true)})

	logrus.WithFields(logrus.Fields{
		"function":   "ShareScreen",
		"session_id": s.id,
		"stream_id":  screen.ID(),
	}).Info("Screen share started")

	// The capture may have been stopped before its ended handler existed.
	if !screen.HasLive(media.TrackKindVideo) {
		return s.endShare(s.life, screen, true)
	}
	return nil
}

// StopScreenShare ends the screen share and, on video calls, reopens the
// camera. If the camera cannot be reopened the screen share continues.
func (s *Session) StopScreenShare(ctx context.Context) error {
	unlock, err := s.beginIntent()
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	screen := s.screen
	s.mu.Unlock()
	if screen == nil {
		return ErrNotSharing
	}
	return s.endShare(ctx, screen, false)
}

// onScreenEnded handles a capture stopped from outside the application.
func (s *Session) onScreenEnded(stream *media.Stream, _ media.TrackKind) {
	s.observer.TrackEnded(media.TrackKindVideo)
	go func() {
		s.intent.Lock()
		defer s.intent.Unlock()

		s.mu.Lock()
		current := s.status == StatusConnected && s.screen == stream
		s.mu.Unlock()
		if !current {
			return
		}
		if err := s.endShare(s.life, stream, true); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "onScreenEnded",
				"session_id": s.id,
				"error":      err.Error(),
			}).Warn("Camera fallback after screen share failed")
		}
	}()
}

// endShare swaps back from screen to camera. The caller holds the intent
// lock. ended reports that the screen track is already gone, in which case
// a failed camera restore forces the camera off instead of keeping the
// share.
func (s *Session) endShare(ctx context.Context, screen *media.Stream, ended bool) error {
	s.mu.Lock()
	callType, capture, videoOff := s.callType, s.capture, s.state.VideoOff
	s.mu.Unlock()

	if callType == media.CallTypeVideo {
		actx, done := s.scope(ctx)
		err := s.cfg.Controller.RestoreVideo(actx, capture, s.onCaptureEnded)
		done()
		if err != nil {
			if s.Status() != StatusConnected {
				return ErrSessionEnded
			}
			if !ended && screen.HasLive(media.TrackKindVideo) {
				logrus.WithFields(logrus.Fields{
					"function":   "endShare",
					"session_id": s.id,
					"error":      err.Error(),
				}).Warn("Camera unavailable, keeping screen share")
				return fmt.Errorf("restore camera: %w", err)
			}
			s.dropScreen(screen, true)
			s.replaceVideo(nil)
			s.updateLocal(participant.Update{IsCameraOff: participant.Bool(true)})
			return fmt.Errorf("restore camera: %w", err)
		}
		if videoOff {
			_ = s.cfg.Controller.ToggleTrack(capture, media.TrackKindVideo, false)
		}
		s.replaceVideo(latest(capture))
	} else {
		s.replaceVideo(nil)
	}

	state := s.dropScreen(screen, false)
	s.updateLocal(participant.Update{
		IsCameraOff: participant.Bool(!controls.CameraActive(state, callType)),
	})

	logrus.WithFields(logrus.Fields{
		"function":   "endShare",
		"session_id": s.id,
		"ended":      ended,
		"call_type":  callType.String(),
	}).Info("Screen share stopped")
	return nil
}

// dropScreen releases the screen stream and clears the sharing flag.
func (s *Session) dropScreen(screen *media.Stream, forceVideoOff bool) controls.State {
	s.mu.Lock()
	if s.screen == screen {
		s.screen = nil
	}
	s.state = controls.EndScreenShare(s.state)
	if forceVideoOff {
		s.state = controls.ForceVideoOff(s.state)
	}
	state := s.state
	s.mu.Unlock()

	_ = s.cfg.Controller.Release(screen)
	return state
}

func (s *Session) replaceVideo(track media.Track) {
	tr := s.cfg.Transport
	if tr == nil {
		return
	}
	if err := tr.ReplaceTrack(media.TrackKindVideo, track); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "replaceVideo",
			"session_id": s.id,
			"error":      err.Error(),
		}).Warn("Outgoing video track not replaced")
	}
}

// latest returns the newest live video track of stream, or nil.
func latest(stream *media.Stream) media.Track {
	tracks := stream.TracksOf(media.TrackKindVideo)
	for i := len(tracks) - 1; i >= 0; i-- {
		if tracks[i].Live() {
			return tracks[i]
		}
	}
	return nil
}
