package media

import (
	"sync"
	"time"
)

// CallType selects which devices a session captures.
// It is fixed when the session is created.
type CallType uint8

const (
	// CallTypeVoice captures the microphone only.
	CallTypeVoice CallType = iota
	// CallTypeVideo captures the microphone and the camera.
	CallTypeVideo
)

// String returns the lowercase name used in logs and metrics labels.
func (c CallType) String() string {
	switch c {
	case CallTypeVoice:
		return "voice"
	case CallTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// TrackKind distinguishes audio tracks from video tracks.
type TrackKind uint8

const (
	// TrackKindAudio is a microphone track.
	TrackKindAudio TrackKind = iota
	// TrackKindVideo is a camera or screen capture track.
	TrackKindVideo
)

// String returns the lowercase name of the track kind.
func (k TrackKind) String() string {
	if k == TrackKindVideo {
		return "video"
	}
	return "audio"
}

// StreamSource records where a stream's tracks came from.
type StreamSource uint8

const (
	// SourceCapture is a microphone/camera stream.
	SourceCapture StreamSource = iota
	// SourceScreen is a screen capture stream.
	SourceScreen
)

// String returns the lowercase name of the stream source.
func (s StreamSource) String() string {
	if s == SourceScreen {
		return "screen"
	}
	return "capture"
}

// Track is a single live audio or video signal.
//
// Implementations are produced by a DeviceProvider. Stop must be safe to
// call more than once; the OnEnded handler fires once, when the track
// stops for any reason.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Live() bool
	Stop()
	OnEnded(handler func())
}

// AudioSampler is implemented by audio tracks that expose raw PCM.
// LatestSamples returns up to n of the most recent mono samples.
type AudioSampler interface {
	LatestSamples(n int) []int16
}

// EncodedSource is implemented by tracks that can hand out encoded
// frames for a peer transport.
type EncodedSource interface {
	ReadEncoded() (data []byte, duration time.Duration, err error)
}

// Stream is a set of tracks acquired together.
//
// A Stream is owned by the Controller that produced it; other packages
// only read it. Tracks can be stopped and replaced during a screen-share
// swap, so access goes through the accessor methods.
type Stream struct {
	id     string
	source StreamSource

	mu        sync.RWMutex
	tracks    []Track
	released  bool
	releasing bool
}

// ID returns the stream identifier.
func (s *Stream) ID() string {
	return s.id
}

// Source returns whether the stream is a capture or screen stream.
func (s *Stream) Source() StreamSource {
	return s.source
}

// Tracks returns a copy of the stream's current tracks.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// TracksOf returns the stream's current tracks of one kind.
func (s *Stream) TracksOf(kind TrackKind) []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// HasLive reports whether the stream holds a live track of the given kind.
func (s *Stream) HasLive(kind TrackKind) bool {
	for _, t := range s.TracksOf(kind) {
		if t.Live() {
			return true
		}
	}
	return false
}

// Released reports whether the owning controller has released the stream.
func (s *Stream) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

// AudioSource adapts the stream's first audio track for level sampling.
func (s *Stream) AudioSource() *AudioSource {
	return &AudioSource{stream: s}
}

// AudioSource reads PCM from a stream's audio track. It satisfies the
// source contract of the activity monitor.
type AudioSource struct {
	stream *Stream
}

// Live reports whether the stream still has a live audio track.
func (a *AudioSource) Live() bool {
	if a.stream.Released() {
		return false
	}
	return a.stream.HasLive(TrackKindAudio)
}

// LatestSamples returns the most recent samples of the first audio track
// that exposes PCM, or nil.
func (a *AudioSource) LatestSamples(n int) []int16 {
	for _, t := range a.stream.TracksOf(TrackKindAudio) {
		if sampler, ok := t.(AudioSampler); ok && t.Live() {
			return sampler.LatestSamples(n)
		}
	}
	return nil
}

func (s *Stream) addTracks(tracks []Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, tracks...)
}

// addTracksUnlessReleased appends tracks only while the stream is still
// owned. A release that already copied the track list would never stop them.
func (s *Stream) addTracksUnlessReleased(tracks []Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return false
	}
	s.tracks = append(s.tracks, tracks...)
	return true
}

func (s *Stream) removeKind(kind TrackKind) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Track
	kept := s.tracks[:0]
	for _, t := range s.tracks {
		if t.Kind() == kind {
			removed = append(removed, t)
			continue
		}
		kept = append(kept, t)
	}
	s.tracks = kept
	return removed
}

// beginRelease marks the stream as being torn down by its owner.
// It returns false when the stream was already released.
func (s *Stream) beginRelease() ([]Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, false
	}
	s.released = true
	s.releasing = true
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out, true
}

func (s *Stream) isReleasing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.releasing
}
