package media

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *SimulatedProvider) {
	t.Helper()
	provider := NewSimulatedProvider()
	controller, err := NewController(provider)
	require.NoError(t, err)
	return controller, provider
}

func TestNewControllerRejectsNilProvider(t *testing.T) {
	controller, err := NewController(nil)
	assert.Error(t, err)
	assert.Nil(t, controller)
}

func TestAcquireVoiceOpensMicrophoneOnly(t *testing.T) {
	controller, provider := newTestController(t)

	stream, err := controller.Acquire(context.Background(), CallTypeVoice, nil)
	require.NoError(t, err)

	assert.Len(t, stream.TracksOf(TrackKindAudio), 1)
	assert.Empty(t, stream.TracksOf(TrackKindVideo))
	assert.Equal(t, 1, provider.LiveTracks())
	assert.Equal(t, SourceCapture, stream.Source())
}

func TestAcquireVideoOpensCameraAndMicrophone(t *testing.T) {
	controller, provider := newTestController(t)

	stream, err := controller.Acquire(context.Background(), CallTypeVideo, nil)
	require.NoError(t, err)

	assert.True(t, stream.HasLive(TrackKindAudio))
	assert.True(t, stream.HasLive(TrackKindVideo))
	assert.Equal(t, 2, provider.LiveTracks())
}

func TestAcquireFailureIsTyped(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		kind     ErrorKind
	}{
		{"permission", ErrPermissionDenied, ErrPermissionDenied, KindPermissionDenied},
		{"device", errors.New("no such device"), ErrDeviceUnavailable, KindDeviceUnavailable},
		{"cancelled", context.Canceled, ErrUserCancelled, KindUserCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller, provider := newTestController(t)
			provider.FailNextUserMedia(tt.err)

			stream, err := controller.Acquire(context.Background(), CallTypeVoice, nil)
			require.Error(t, err)
			assert.Nil(t, stream)
			assert.ErrorIs(t, err, tt.sentinel)

			var acqErr *AcquireError
			require.ErrorAs(t, err, &acqErr)
			assert.Equal(t, tt.kind, acqErr.Kind)
		})
	}
}

func TestPermissionMessageDiffersFromMissingDevice(t *testing.T) {
	denied := &AcquireError{Kind: KindPermissionDenied, Device: "microphone", Err: ErrPermissionDenied}
	missing := &AcquireError{Kind: KindDeviceUnavailable, Device: "microphone", Err: ErrDeviceUnavailable}
	assert.NotEqual(t, denied.Error(), missing.Error())
	assert.Contains(t, denied.Error(), "blocked")
}

func TestAcquirePartialFailureStopsOpenedTracks(t *testing.T) {
	controller, provider := newTestController(t)
	provider.SetNoCamera(true)

	stream, err := controller.Acquire(context.Background(), CallTypeVideo, nil)
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.Equal(t, 0, provider.LiveTracks(), "microphone must be stopped before reporting failure")
	assert.Equal(t, Stats{}, controller.Stats())
}

func TestAcquireRetryAfterFailure(t *testing.T) {
	controller, provider := newTestController(t)
	provider.FailNextUserMedia(ErrPermissionDenied)

	_, err := controller.Acquire(context.Background(), CallTypeVoice, nil)
	require.Error(t, err)

	stream, err := controller.Acquire(context.Background(), CallTypeVoice, nil)
	require.NoError(t, err)
	assert.NotNil(t, stream)
	assert.Equal(t, 2, provider.UserMediaCalls())
}

func TestAcquireCancelledWhilePending(t *testing.T) {
	controller, provider := newTestController(t)
	release := provider.Hold(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := controller.Acquire(ctx, CallTypeVideo, nil)
		done <- err
	}()

	cancel()
	release()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrUserCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return")
	}
	assert.Equal(t, 0, provider.LiveTracks(), "tracks resolved after cancel must be stopped")
}

func TestReleaseStopsAllTracksOnce(t *testing.T) {
	controller, provider := newTestController(t)

	var ended int32
	stream, err := controller.Acquire(context.Background(), CallTypeVideo, func(*Stream, TrackKind) {
		atomic.AddInt32(&ended, 1)
	})
	require.NoError(t, err)

	require.NoError(t, controller.Release(stream))
	assert.ErrorIs(t, controller.Release(stream), ErrStreamReleased)

	assert.Equal(t, 0, provider.LiveTracks())
	assert.True(t, stream.Released())
	assert.Zero(t, atomic.LoadInt32(&ended), "owner-initiated stop is not an unexpected end")

	stats := controller.Stats()
	assert.Equal(t, uint64(1), stats.Acquisitions)
	assert.Equal(t, uint64(1), stats.Releases)
	assert.Zero(t, stats.LiveStreams)
}

func TestReleaseNilStream(t *testing.T) {
	controller, _ := newTestController(t)
	assert.ErrorIs(t, controller.Release(nil), ErrNilStream)
}

func TestToggleTrackFlipsOnlyRequestedKind(t *testing.T) {
	controller, provider := newTestController(t)
	stream, err := controller.Acquire(context.Background(), CallTypeVideo, nil)
	require.NoError(t, err)

	require.NoError(t, controller.ToggleTrack(stream, TrackKindVideo, false))

	assert.False(t, provider.Latest("camera").Enabled())
	assert.True(t, provider.Latest("microphone").Enabled())
	assert.Equal(t, 1, provider.UserMediaCalls(), "toggling must not reopen hardware")
}

func TestToggleTrackErrors(t *testing.T) {
	controller, _ := newTestController(t)
	stream, err := controller.Acquire(context.Background(), CallTypeVoice, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, controller.ToggleTrack(stream, TrackKindVideo, false), ErrNoTrack)

	require.NoError(t, controller.Release(stream))
	assert.ErrorIs(t, controller.ToggleTrack(stream, TrackKindAudio, false), ErrStreamReleased)
}

func TestUnexpectedTrackEndInvokesCallback(t *testing.T) {
	controller, provider := newTestController(t)

	kinds := make(chan TrackKind, 2)
	stream, err := controller.Acquire(context.Background(), CallTypeVideo, func(s *Stream, kind TrackKind) {
		kinds <- kind
	})
	require.NoError(t, err)

	provider.Latest("camera").End()

	select {
	case kind := <-kinds:
		assert.Equal(t, TrackKindVideo, kind)
	case <-time.After(time.Second):
		t.Fatal("ended callback not invoked")
	}
	assert.False(t, stream.HasLive(TrackKindVideo))
	assert.True(t, stream.HasLive(TrackKindAudio))
}

func TestScreenShareUserStopInvokesCallback(t *testing.T) {
	controller, provider := newTestController(t)

	stopped := make(chan struct{}, 1)
	screen, err := controller.StartScreenShare(context.Background(), func(*Stream, TrackKind) {
		stopped <- struct{}{}
	})
	require.NoError(t, err)
	assert.Equal(t, SourceScreen, screen.Source())

	provider.Latest("screen").End()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("screen share stop not reported")
	}
	require.NoError(t, controller.Release(screen))
}

func TestScreenShareCancelled(t *testing.T) {
	controller, provider := newTestController(t)
	provider.FailNextDisplayMedia(ErrUserCancelled)

	screen, err := controller.StartScreenShare(context.Background(), nil)
	assert.Nil(t, screen)
	assert.ErrorIs(t, err, ErrUserCancelled)
	assert.Zero(t, controller.Stats().Acquisitions)
}

func TestStopTracksAndRestoreVideo(t *testing.T) {
	controller, provider := newTestController(t)

	var unexpected int32
	onEnded := func(*Stream, TrackKind) { atomic.AddInt32(&unexpected, 1) }
	stream, err := controller.Acquire(context.Background(), CallTypeVideo, onEnded)
	require.NoError(t, err)

	require.NoError(t, controller.StopTracks(stream, TrackKindVideo))
	assert.False(t, stream.HasLive(TrackKindVideo))
	assert.True(t, stream.HasLive(TrackKindAudio))
	assert.Zero(t, atomic.LoadInt32(&unexpected))

	require.NoError(t, controller.RestoreVideo(context.Background(), stream, onEnded))
	assert.True(t, stream.HasLive(TrackKindVideo))
	assert.Equal(t, 2, provider.LiveTracks())

	require.NoError(t, controller.Release(stream))
	assert.Equal(t, 0, provider.LiveTracks())
}

func TestRestoreVideoFailureLeavesStreamIntact(t *testing.T) {
	controller, provider := newTestController(t)
	stream, err := controller.Acquire(context.Background(), CallTypeVideo, nil)
	require.NoError(t, err)
	require.NoError(t, controller.StopTracks(stream, TrackKindVideo))

	provider.FailNextUserMedia(ErrDeviceUnavailable)
	err = controller.RestoreVideo(context.Background(), stream, nil)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.True(t, stream.HasLive(TrackKindAudio))
	assert.False(t, stream.HasLive(TrackKindVideo))
}

// hookedTrack runs onWatch when the controller installs its ended handler,
// which happens after the camera resolved but before it joins the stream.
type hookedTrack struct {
	*SimulatedTrack
	onWatch func()
}

func (h *hookedTrack) OnEnded(handler func()) {
	h.SimulatedTrack.OnEnded(handler)
	if h.onWatch != nil {
		h.onWatch()
	}
}

type hookedProvider struct {
	*SimulatedProvider
	onWatch func()
}

func (p *hookedProvider) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	tracks, err := p.SimulatedProvider.GetUserMedia(ctx, c)
	for i, t := range tracks {
		if st, ok := t.(*SimulatedTrack); ok && t.Kind() == TrackKindVideo && p.onWatch != nil {
			tracks[i] = &hookedTrack{SimulatedTrack: st, onWatch: p.onWatch}
		}
	}
	return tracks, err
}

func TestRestoreVideoRacingReleaseStopsNewCamera(t *testing.T) {
	sim := NewSimulatedProvider()
	provider := &hookedProvider{SimulatedProvider: sim}
	controller, err := NewController(provider)
	require.NoError(t, err)

	var unexpected int32
	onEnded := func(*Stream, TrackKind) { atomic.AddInt32(&unexpected, 1) }
	stream, err := controller.Acquire(context.Background(), CallTypeVideo, onEnded)
	require.NoError(t, err)
	require.NoError(t, controller.StopTracks(stream, TrackKindVideo))

	var releaseErr error
	provider.onWatch = func() { releaseErr = controller.Release(stream) }

	err = controller.RestoreVideo(context.Background(), stream, onEnded)
	assert.ErrorIs(t, err, ErrStreamReleased)
	require.NoError(t, releaseErr)

	assert.True(t, stream.Released())
	assert.Nil(t, sim.Latest("camera"), "camera left running after its stream was released")
	assert.Equal(t, 0, sim.LiveTracks())
	assert.Zero(t, atomic.LoadInt32(&unexpected))

	stats := controller.Stats()
	assert.Equal(t, stats.Acquisitions, stats.Releases)
	assert.Zero(t, stats.LiveStreams)
}

func TestAudioSourceFollowsTrackLiveness(t *testing.T) {
	controller, provider := newTestController(t)
	provider.SetSignal(Noise(0.5, 1))

	stream, err := controller.Acquire(context.Background(), CallTypeVoice, nil)
	require.NoError(t, err)

	src := stream.AudioSource()
	assert.True(t, src.Live())
	assert.Len(t, src.LatestSamples(128), 128)

	provider.Latest("microphone").End()
	assert.False(t, src.Live())
	assert.Nil(t, src.LatestSamples(128))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindPermissionDenied, Classify(ErrPermissionDenied))
	assert.Equal(t, KindUserCancelled, Classify(context.Canceled))
	assert.Equal(t, KindTrackEnded, Classify(ErrTrackEnded))
	assert.Equal(t, KindDeviceUnavailable, Classify(errors.New("busy")))
	assert.Equal(t, KindPermissionDenied, Classify(&AcquireError{Kind: KindPermissionDenied}))
}
