package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EndedFunc is invoked when a track of an owned stream ends without the
// controller having stopped it: a device was unplugged, or the user
// stopped a screen share from the OS.
type EndedFunc func(stream *Stream, kind TrackKind)

// Controller is the sole owner of live hardware streams.
//
// Every stream returned by Acquire or StartScreenShare must be passed to
// Release exactly once; extra calls are harmless no-ops. Failures are
// returned as *AcquireError values and never leave tracks running.
type Controller struct {
	provider DeviceProvider

	mu       sync.Mutex
	streams  map[*Stream]struct{}
	expected map[Track]struct{}

	acquisitions uint64
	releases     uint64
}

// Stats summarizes the controller's resource accounting.
type Stats struct {
	Acquisitions uint64
	Releases     uint64
	LiveStreams  int
	LiveTracks   int
}

// NewController creates a controller on top of a device provider.
func NewController(provider DeviceProvider) (*Controller, error) {
	if provider == nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewController",
			"error":    "device provider cannot be nil",
		}).Error("Device provider validation failed")
		return nil, errors.New("device provider cannot be nil")
	}

	return &Controller{
		provider: provider,
		streams:  make(map[*Stream]struct{}),
		expected: make(map[Track]struct{}),
	}, nil
}

// Acquire opens the microphone, plus the camera for video calls.
//
// It is safe to call again after a failure. If ctx is cancelled before the
// provider resolves, whatever the provider returns is stopped and the call
// fails with ErrUserCancelled.
func (c *Controller) Acquire(ctx context.Context, callType CallType, onEnded EndedFunc) (*Stream, error) {
	constraints := Constraints{Audio: true, Video: callType == CallTypeVideo}
	device := deviceName(constraints)

	logrus.WithFields(logrus.Fields{
		"function":  "Acquire",
		"call_type": callType.String(),
		"audio":     constraints.Audio,
		"video":     constraints.Video,
	}).Info("Requesting local media")

	if err := ctx.Err(); err != nil {
		return nil, &AcquireError{Kind: KindUserCancelled, Device: device, Err: err}
	}

	tracks, err := c.provider.GetUserMedia(ctx, constraints)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		err = checkTracks(tracks, constraints)
	}
	if err != nil {
		stopAll(tracks)
		acqErr := newAcquireError(device, err)
		logrus.WithFields(logrus.Fields{
			"function":       "Acquire",
			"call_type":      callType.String(),
			"kind":           acqErr.Kind.String(),
			"stopped_tracks": len(tracks),
			"error":          err.Error(),
		}).Warn("Local media acquisition failed")
		return nil, acqErr
	}

	stream := c.adopt(SourceCapture, tracks, onEnded)

	logrus.WithFields(logrus.Fields{
		"function":    "Acquire",
		"stream_id":   stream.ID(),
		"track_count": len(tracks),
	}).Info("Local media acquired")

	return stream, nil
}

// StartScreenShare opens a screen capture stream. onEnded is called when
// the user stops the capture outside the application.
func (c *Controller) StartScreenShare(ctx context.Context, onEnded EndedFunc) (*Stream, error) {
	logrus.WithFields(logrus.Fields{
		"function": "StartScreenShare",
	}).Info("Requesting screen capture")

	if err := ctx.Err(); err != nil {
		return nil, &AcquireError{Kind: KindUserCancelled, Device: "screen", Err: err}
	}

	tracks, err := c.provider.GetDisplayMedia(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		err = checkTracks(tracks, Constraints{Video: true})
	}
	if err != nil {
		stopAll(tracks)
		acqErr := newAcquireError("screen", err)
		logrus.WithFields(logrus.Fields{
			"function": "StartScreenShare",
			"kind":     acqErr.Kind.String(),
			"error":    err.Error(),
		}).Warn("Screen capture failed")
		return nil, acqErr
	}

	stream := c.adopt(SourceScreen, tracks, onEnded)

	logrus.WithFields(logrus.Fields{
		"function":  "StartScreenShare",
		"stream_id": stream.ID(),
	}).Info("Screen capture started")

	return stream, nil
}

// Release stops every track of the stream. Releasing a stream twice
// returns ErrStreamReleased and has no other effect.
func (c *Controller) Release(stream *Stream) error {
	if stream == nil {
		return ErrNilStream
	}

	tracks, ok := stream.beginRelease()
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "Release",
			"stream_id": stream.ID(),
		}).Debug("Stream already released")
		return ErrStreamReleased
	}

	c.mu.Lock()
	delete(c.streams, stream)
	c.releases++
	c.mu.Unlock()

	c.stopOwned(tracks)

	logrus.WithFields(logrus.Fields{
		"function":      "Release",
		"stream_id":     stream.ID(),
		"source":        stream.Source().String(),
		"stopped_count": len(tracks),
	}).Info("Stream released")

	return nil
}

// ToggleTrack flips the enabled flag of every live track of one kind.
// Hardware is never reopened.
func (c *Controller) ToggleTrack(stream *Stream, kind TrackKind, enabled bool) error {
	if stream == nil {
		return ErrNilStream
	}
	if stream.Released() {
		return ErrStreamReleased
	}

	toggled := 0
	for _, t := range stream.TracksOf(kind) {
		if !t.Live() {
			continue
		}
		t.SetEnabled(enabled)
		toggled++
	}
	if toggled == 0 {
		return fmt.Errorf("toggle %s: %w", kind, ErrNoTrack)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "ToggleTrack",
		"stream_id": stream.ID(),
		"kind":      kind.String(),
		"enabled":   enabled,
		"toggled":   toggled,
	}).Debug("Track enabled flag updated")

	return nil
}

// StopTracks stops and detaches all tracks of one kind. The rest of the
// stream stays live.
func (c *Controller) StopTracks(stream *Stream, kind TrackKind) error {
	if stream == nil {
		return ErrNilStream
	}
	if stream.Released() {
		return ErrStreamReleased
	}

	removed := stream.removeKind(kind)
	c.stopOwned(removed)

	logrus.WithFields(logrus.Fields{
		"function":  "StopTracks",
		"stream_id": stream.ID(),
		"kind":      kind.String(),
		"stopped":   len(removed),
	}).Debug("Tracks stopped")

	return nil
}

// RestoreVideo reopens the camera and attaches the new track to an
// existing capture stream.
func (c *Controller) RestoreVideo(ctx context.Context, stream *Stream, onEnded EndedFunc) error {
	if stream == nil {
		return ErrNilStream
	}
	if stream.Released() {
		return ErrStreamReleased
	}

	constraints := Constraints{Video: true}
	tracks, err := c.provider.GetUserMedia(ctx, constraints)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil {
		err = checkTracks(tracks, constraints)
	}
	if err != nil {
		stopAll(tracks)
		acqErr := newAcquireError("camera", err)
		logrus.WithFields(logrus.Fields{
			"function":  "RestoreVideo",
			"stream_id": stream.ID(),
			"kind":      acqErr.Kind.String(),
			"error":     err.Error(),
		}).Warn("Camera reacquisition failed")
		return acqErr
	}

	for _, t := range tracks {
		c.watch(stream, t, onEnded)
	}
	if !stream.addTracksUnlessReleased(tracks) {
		c.stopOwned(tracks)
		logrus.WithFields(logrus.Fields{
			"function":  "RestoreVideo",
			"stream_id": stream.ID(),
		}).Debug("Stream released during camera reacquisition")
		return ErrStreamReleased
	}

	logrus.WithFields(logrus.Fields{
		"function":  "RestoreVideo",
		"stream_id": stream.ID(),
	}).Info("Camera restored")

	return nil
}

// Stats returns the controller's acquisition accounting.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Acquisitions: c.acquisitions,
		Releases:     c.releases,
		LiveStreams:  len(c.streams),
	}
	for s := range c.streams {
		for _, t := range s.Tracks() {
			if t.Live() {
				stats.LiveTracks++
			}
		}
	}
	return stats
}

func (c *Controller) adopt(source StreamSource, tracks []Track, onEnded EndedFunc) *Stream {
	stream := &Stream{
		id:     uuid.NewString(),
		source: source,
	}

	c.mu.Lock()
	c.streams[stream] = struct{}{}
	c.acquisitions++
	c.mu.Unlock()

	for _, t := range tracks {
		c.watch(stream, t, onEnded)
	}
	stream.addTracks(tracks)
	return stream
}

// watch installs the ended handler that separates owner-initiated stops
// from unexpected ones.
func (c *Controller) watch(stream *Stream, track Track, onEnded EndedFunc) {
	track.OnEnded(func() {
		c.mu.Lock()
		_, expected := c.expected[track]
		c.mu.Unlock()

		if expected || stream.isReleasing() {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function":  "watch",
			"stream_id": stream.ID(),
			"track_id":  track.ID(),
			"kind":      track.Kind().String(),
		}).Warn("Track ended unexpectedly")

		if onEnded != nil {
			onEnded(stream, track.Kind())
		}
	})
}

func (c *Controller) stopOwned(tracks []Track) {
	c.mu.Lock()
	for _, t := range tracks {
		c.expected[t] = struct{}{}
	}
	c.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}

	c.mu.Lock()
	for _, t := range tracks {
		delete(c.expected, t)
	}
	c.mu.Unlock()
}

func checkTracks(tracks []Track, c Constraints) error {
	var haveAudio, haveVideo bool
	for _, t := range tracks {
		if t == nil || !t.Live() {
			continue
		}
		switch t.Kind() {
		case TrackKindAudio:
			haveAudio = true
		case TrackKindVideo:
			haveVideo = true
		}
	}
	if c.Audio && !haveAudio {
		return fmt.Errorf("microphone: %w", ErrDeviceUnavailable)
	}
	if c.Video && !haveVideo {
		return fmt.Errorf("camera: %w", ErrDeviceUnavailable)
	}
	return nil
}

func stopAll(tracks []Track) {
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

func deviceName(c Constraints) string {
	switch {
	case c.Audio && c.Video:
		return "camera and microphone"
	case c.Video:
		return "camera"
	default:
		return "microphone"
	}
}
