// Package devices opens real cameras, microphones and screens through
// github.com/pion/mediadevices.
//
// Drivers register themselves on import. A binary that wants hardware
// capture imports them for side effects:
//
//	import (
//		_ "github.com/pion/mediadevices/pkg/driver/camera"
//		_ "github.com/pion/mediadevices/pkg/driver/microphone"
//		_ "github.com/pion/mediadevices/pkg/driver/screen"
//	)
package devices

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/opd-ai/callkit/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/sirupsen/logrus"
)

// Config tunes the capture constraints.
type Config struct {
	// Codec enables ReadEncoded on produced tracks. Without a selector the
	// tracks still provide PCM levels but cannot feed a peer connection.
	Codec *mediadevices.CodecSelector

	SampleRate int
	Width      int
	Height     int
	FrameRate  float64
	Latency    time.Duration
}

// DefaultConfig returns constraints suited for a 1:1 call.
func DefaultConfig() Config {
	return Config{
		SampleRate: 48000,
		Width:      640,
		Height:     480,
		FrameRate:  30,
		Latency:    20 * time.Millisecond,
	}
}

// Provider implements media.DeviceProvider on top of pion/mediadevices.
type Provider struct {
	cfg Config

	getUserMedia    func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
	getDisplayMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

// NewProvider creates a hardware provider.
func NewProvider(cfg Config) *Provider {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultConfig().SampleRate
	}
	return &Provider{
		cfg:             cfg,
		getUserMedia:    mediadevices.GetUserMedia,
		getDisplayMedia: mediadevices.GetDisplayMedia,
	}
}

// CanEncode implements media.EncodingProvider.
func (p *Provider) CanEncode() bool {
	return p.cfg.Codec != nil
}

// Devices lists the capture devices the registered drivers can see.
func Devices() []mediadevices.MediaDeviceInfo {
	return mediadevices.EnumerateDevices()
}

// GetUserMedia implements media.DeviceProvider.
func (p *Provider) GetUserMedia(ctx context.Context, c media.Constraints) ([]media.Track, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: p.cfg.Codec}
	if c.Audio {
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.SampleRate = prop.Int(p.cfg.SampleRate)
			mc.ChannelCount = prop.Int(1)
			if p.cfg.Latency > 0 {
				mc.Latency = prop.Duration(p.cfg.Latency)
			}
		}
	}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			if p.cfg.Width > 0 {
				mc.Width = prop.Int(p.cfg.Width)
			}
			if p.cfg.Height > 0 {
				mc.Height = prop.Int(p.cfg.Height)
			}
			if p.cfg.FrameRate > 0 {
				mc.FrameRate = prop.Float(p.cfg.FrameRate)
			}
		}
	}
	return p.open(ctx, "GetUserMedia", func() (mediadevices.MediaStream, error) {
		return p.getUserMedia(constraints)
	})
}

// GetDisplayMedia implements media.DeviceProvider.
func (p *Provider) GetDisplayMedia(ctx context.Context) ([]media.Track, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: p.cfg.Codec,
		Video: func(mc *mediadevices.MediaTrackConstraints) {
			if p.cfg.FrameRate > 0 {
				mc.FrameRate = prop.Float(p.cfg.FrameRate)
			}
		},
	}
	return p.open(ctx, "GetDisplayMedia", func() (mediadevices.MediaStream, error) {
		return p.getDisplayMedia(constraints)
	})
}

type openResult struct {
	stream mediadevices.MediaStream
	err    error
}

// open runs a blocking mediadevices call and honours ctx. A stream that
// arrives after cancellation is closed in the background.
func (p *Provider) open(ctx context.Context, function string, fn func() (mediadevices.MediaStream, error)) ([]media.Track, error) {
	done := make(chan openResult, 1)
	go func() {
		stream, err := fn()
		done <- openResult{stream: stream, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			res := <-done
			if res.stream != nil {
				closeAll(res.stream)
				logrus.WithFields(logrus.Fields{
					"function": function,
				}).Debug("Closed stream that resolved after cancellation")
			}
		}()
		return nil, ctx.Err()
	case res := <-done:
		if res.err != nil {
			logrus.WithFields(logrus.Fields{
				"function": function,
				"error":    res.err.Error(),
			}).Warn("Device request failed")
			return nil, classify(res.err)
		}
		var tracks []media.Track
		for _, t := range res.stream.GetTracks() {
			tracks = append(tracks, newTrack(t, p.cfg.Codec != nil))
		}
		return tracks, nil
	}
}

func closeAll(stream mediadevices.MediaStream) {
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
}

// classify wraps driver errors so media.Classify can recognise them.
// The drivers report missing or busy hardware with plain errors, so only
// permission problems need special mapping.
func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	if errors.Is(err, media.ErrPermissionDenied) || errors.Is(err, media.ErrUserCancelled) {
		return err
	}
	return fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
}
