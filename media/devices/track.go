package devices

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/callkit/media"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ringSize bounds the PCM history kept for level sampling.
const ringSize = 4096

var errNoCodec = errors.New("track has no encoder configured")

// track adapts a mediadevices.Track to media.Track. mediadevices tracks
// have no enabled flag, so it is kept here and applied to the PCM and
// encoded readers.
type track struct {
	src  mediadevices.Track
	kind media.TrackKind

	encodable bool
	encMu     sync.Mutex
	encoded   mediadevices.EncodedReadCloser

	mu      sync.Mutex
	enabled bool
	live    bool
	onEnded func()
	ring    []int16
}

func newTrack(src mediadevices.Track, encodable bool) *track {
	t := &track{
		src:       src,
		kind:      media.TrackKindAudio,
		encodable: encodable,
		enabled:   true,
		live:      true,
	}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		t.kind = media.TrackKindVideo
	}

	src.OnEnded(func(err error) {
		logrus.WithFields(logrus.Fields{
			"function": "OnEnded",
			"track_id": src.ID(),
			"error":    errString(err),
		}).Debug("Device track ended")
		t.end()
	})

	if audio, ok := src.(*mediadevices.AudioTrack); ok {
		go t.sample(audio)
	}
	return t
}

func (t *track) ID() string { return t.src.ID() }

func (t *track) Kind() media.TrackKind { return t.kind }

func (t *track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *track) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *track) OnEnded(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = handler
}

func (t *track) Stop() {
	t.encMu.Lock()
	if t.encoded != nil {
		_ = t.encoded.Close()
		t.encoded = nil
	}
	t.encMu.Unlock()

	if err := t.src.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"track_id": t.src.ID(),
			"error":    err.Error(),
		}).Warn("Failed to close device track")
	}
	t.end()
}

// LatestSamples implements media.AudioSampler.
func (t *track) LatestSamples(n int) []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live || t.kind != media.TrackKindAudio {
		return nil
	}
	out := make([]int16, n)
	if !t.enabled {
		return out
	}
	if len(t.ring) < n {
		copy(out[n-len(t.ring):], t.ring)
		return out
	}
	copy(out, t.ring[len(t.ring)-n:])
	return out
}

// ReadEncoded implements media.EncodedSource. Frames read while the track
// is disabled are returned empty so the transport keeps its timing.
func (t *track) ReadEncoded() ([]byte, time.Duration, error) {
	if !t.encodable {
		return nil, 0, errNoCodec
	}
	if !t.Live() {
		return nil, 0, media.ErrTrackEnded
	}

	t.encMu.Lock()
	if t.encoded == nil {
		reader, err := t.src.NewEncodedReader(codecName(t.kind))
		if err != nil {
			t.encMu.Unlock()
			return nil, 0, err
		}
		t.encoded = reader
	}
	reader := t.encoded
	t.encMu.Unlock()

	buf, release, err := reader.Read()
	if err != nil {
		return nil, 0, err
	}
	defer release()

	duration := frameDuration(t.kind, buf.Samples)
	if !t.Enabled() {
		return nil, duration, nil
	}
	data := make([]byte, len(buf.Data))
	copy(data, buf.Data)
	return data, duration, nil
}

// sample drains raw PCM into the ring buffer until the track stops.
func (t *track) sample(audio *mediadevices.AudioTrack) {
	reader := audio.NewReader(false)
	for {
		chunk, release, err := reader.Read()
		if err != nil {
			t.end()
			return
		}
		mono := downmix(chunk)
		release()

		t.mu.Lock()
		if !t.live {
			t.mu.Unlock()
			return
		}
		t.ring = append(t.ring, mono...)
		if over := len(t.ring) - ringSize; over > 0 {
			t.ring = append(t.ring[:0], t.ring[over:]...)
		}
		t.mu.Unlock()
	}
}

func (t *track) end() {
	t.mu.Lock()
	if !t.live {
		t.mu.Unlock()
		return
	}
	t.live = false
	handler := t.onEnded
	t.mu.Unlock()

	if handler != nil {
		handler()
	}
}

// downmix returns the first channel of a chunk as int16 PCM. Unsupported
// sample formats read as silence.
func downmix(chunk wave.Audio) []int16 {
	info := chunk.ChunkInfo()
	channels := info.Channels
	if channels <= 0 {
		channels = 1
	}
	out := make([]int16, info.Len)

	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		for i := range out {
			out[i] = c.Data[i*channels]
		}
	case *wave.Float32Interleaved:
		for i := range out {
			v := c.Data[i*channels]
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			out[i] = int16(v * 32767)
		}
	}
	return out
}

func codecName(kind media.TrackKind) string {
	if kind == media.TrackKindVideo {
		return webrtc.MimeTypeVP8[len("video/"):]
	}
	return webrtc.MimeTypeOpus[len("audio/"):]
}

func frameDuration(kind media.TrackKind, samples uint32) time.Duration {
	if kind == media.TrackKindAudio && samples > 0 {
		return time.Duration(samples) * time.Second / 48000
	}
	if kind == media.TrackKindVideo {
		return time.Second / 30
	}
	return 20 * time.Millisecond
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
