package media

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SignalFunc produces n mono PCM samples for a simulated microphone.
type SignalFunc func(n int) []int16

// Silence is a signal of zeros.
func Silence(n int) []int16 {
	return make([]int16, n)
}

// Noise returns a deterministic white-noise signal with the given peak
// amplitude in the range 0..1.
func Noise(amplitude float64, seed int64) SignalFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(n int) []int16 {
		mu.Lock()
		defer mu.Unlock()
		out := make([]int16, n)
		for i := range out {
			out[i] = int16((rng.Float64()*2 - 1) * amplitude * 32767)
		}
		return out
	}
}

// SimulatedProvider is an in-memory DeviceProvider for demos and tests.
//
// Failures can be queued per method, acquisition can be held pending to
// imitate a permission prompt, and the microphone plays a configurable
// signal.
type SimulatedProvider struct {
	mu sync.Mutex

	userMediaErrs []error
	displayErrs   []error

	gate         chan struct{}
	ignoreCancel bool

	noCamera bool
	signal   SignalFunc

	tracks         []*SimulatedTrack
	userMediaCalls int
	displayCalls   int
}

// NewSimulatedProvider creates a provider whose microphone is silent.
func NewSimulatedProvider() *SimulatedProvider {
	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	return &SimulatedProvider{signal: Silence}
}

// FailNextUserMedia queues an error for the next GetUserMedia call.
func (p *SimulatedProvider) FailNextUserMedia(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userMediaErrs = append(p.userMediaErrs, err)
}

// FailNextDisplayMedia queues an error for the next GetDisplayMedia call.
func (p *SimulatedProvider) FailNextDisplayMedia(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.displayErrs = append(p.displayErrs, err)
}

// Hold keeps GetUserMedia pending until the returned function is called.
// With ignoreCancel set, a pending call resolves only on release even if
// its context is cancelled, imitating a prompt that cannot be withdrawn.
func (p *SimulatedProvider) Hold(ignoreCancel bool) (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.ignoreCancel = ignoreCancel
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// SetNoCamera makes camera requests fail as if no camera were attached.
func (p *SimulatedProvider) SetNoCamera(noCamera bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noCamera = noCamera
}

// SetSignal replaces the microphone signal for tracks created afterwards.
func (p *SimulatedProvider) SetSignal(signal SignalFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if signal == nil {
		signal = Silence
	}
	p.signal = signal
}

// GetUserMedia implements DeviceProvider.
func (p *SimulatedProvider) GetUserMedia(ctx context.Context, c Constraints) ([]Track, error) {
	p.mu.Lock()
	p.userMediaCalls++
	gate, ignoreCancel := p.gate, p.ignoreCancel
	var queued error
	if len(p.userMediaErrs) > 0 {
		queued = p.userMediaErrs[0]
		p.userMediaErrs = p.userMediaErrs[1:]
	}
	p.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if queued != nil {
		return nil, queued
	}

	var tracks []Track
	if c.Audio {
		tracks = append(tracks, p.newTrack(TrackKindAudio, "microphone"))
	}
	if c.Video {
		p.mu.Lock()
		noCamera := p.noCamera
		p.mu.Unlock()
		if noCamera {
			// the microphone opened; the controller must stop it
			return tracks, fmt.Errorf("camera: %w", ErrDeviceUnavailable)
		}
		tracks = append(tracks, p.newTrack(TrackKindVideo, "camera"))
	}
	return tracks, nil
}

// GetDisplayMedia implements DeviceProvider.
func (p *SimulatedProvider) GetDisplayMedia(ctx context.Context) ([]Track, error) {
	p.mu.Lock()
	p.displayCalls++
	var queued error
	if len(p.displayErrs) > 0 {
		queued = p.displayErrs[0]
		p.displayErrs = p.displayErrs[1:]
	}
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if queued != nil {
		return nil, queued
	}
	return []Track{p.newTrack(TrackKindVideo, "screen")}, nil
}

// CanEncode implements EncodingProvider. Simulated tracks carry PCM only.
func (p *SimulatedProvider) CanEncode() bool {
	return false
}

// UserMediaCalls returns how many times GetUserMedia was invoked.
func (p *SimulatedProvider) UserMediaCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userMediaCalls
}

// DisplayMediaCalls returns how many times GetDisplayMedia was invoked.
func (p *SimulatedProvider) DisplayMediaCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.displayCalls
}

// LiveTracks counts tracks created by this provider that are still running.
func (p *SimulatedProvider) LiveTracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.tracks {
		if t.Live() {
			n++
		}
	}
	return n
}

// Latest returns the most recently created live track with the given label
// ("microphone", "camera" or "screen"), or nil.
func (p *SimulatedProvider) Latest(label string) *SimulatedTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.tracks) - 1; i >= 0; i-- {
		if t := p.tracks[i]; t.label == label && t.Live() {
			return t
		}
	}
	return nil
}

func (p *SimulatedProvider) newTrack(kind TrackKind, label string) *SimulatedTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &SimulatedTrack{
		id:      uuid.NewString(),
		kind:    kind,
		label:   label,
		enabled: true,
		live:    true,
		signal:  p.signal,
	}
	p.tracks = append(p.tracks, t)
	return t
}

// SimulatedTrack is a Track produced by SimulatedProvider.
type SimulatedTrack struct {
	id     string
	kind   TrackKind
	label  string
	signal SignalFunc

	mu      sync.Mutex
	enabled bool
	live    bool
	onEnded func()
}

// ID implements Track.
func (t *SimulatedTrack) ID() string { return t.id }

// Kind implements Track.
func (t *SimulatedTrack) Kind() TrackKind { return t.kind }

// Label returns "microphone", "camera" or "screen".
func (t *SimulatedTrack) Label() string { return t.label }

// Enabled implements Track.
func (t *SimulatedTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// SetEnabled implements Track.
func (t *SimulatedTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

// Live implements Track.
func (t *SimulatedTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// OnEnded implements Track.
func (t *SimulatedTrack) OnEnded(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = handler
}

// Stop implements Track.
func (t *SimulatedTrack) Stop() {
	t.end()
}

// End terminates the track as if the device had been unplugged or the
// capture stopped from the OS.
func (t *SimulatedTrack) End() {
	t.end()
}

// LatestSamples implements AudioSampler. A disabled track yields silence.
func (t *SimulatedTrack) LatestSamples(n int) []int16 {
	t.mu.Lock()
	live, enabled := t.live, t.enabled
	t.mu.Unlock()

	if !live || t.kind != TrackKindAudio {
		return nil
	}
	if !enabled || t.signal == nil {
		return Silence(n)
	}
	return t.signal(n)
}

func (t *SimulatedTrack) end() {
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
