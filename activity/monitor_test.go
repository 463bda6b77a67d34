package activity

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/callkit/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource plays a fixed signal until ended.
type fakeSource struct {
	signal media.SignalFunc
	live   atomic.Bool
}

func newFakeSource(signal media.SignalFunc) *fakeSource {
	s := &fakeSource{signal: signal}
	s.live.Store(true)
	return s
}

func (s *fakeSource) Live() bool { return s.live.Load() }

func (s *fakeSource) LatestSamples(n int) []int16 { return s.signal(n) }

// recorder collects emitted speaking values.
type recorder struct {
	mu     sync.Mutex
	values []bool
}

func (r *recorder) record(v bool) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.values...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	return cfg
}

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := NewMonitor(fastConfig())
	require.NoError(t, err)
	return m
}

func TestLevelSilenceIsZero(t *testing.T) {
	assert.Zero(t, Level(media.Silence(DefaultFFTSize)))
	assert.Zero(t, Level(nil))
}

func TestLevelNoiseIsLoud(t *testing.T) {
	level := Level(media.Noise(0.5, 1)(DefaultFFTSize))
	assert.Greater(t, level, DefaultThreshold)
	assert.LessOrEqual(t, level, 255.0)
}

func TestLevelTone(t *testing.T) {
	samples := make([]int16, DefaultFFTSize)
	for i := range samples {
		samples[i] = int16(16000 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}
	assert.Greater(t, Level(samples), 0.0)
}

func TestSpeakingRule(t *testing.T) {
	assert.True(t, Speaking(31, 30, false))
	assert.False(t, Speaking(30, 30, false))
	assert.False(t, Speaking(255, 30, true), "mute overrides any level")
}

func TestFFTImpulse(t *testing.T) {
	data := make([]complex128, 8)
	data[0] = 1
	fft(data)
	for _, v := range data {
		assert.InDelta(t, 1.0, real(v), 1e-9)
		assert.InDelta(t, 0.0, imag(v), 1e-9)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := []func(*Config){
		func(c *Config) { c.Interval = 0 },
		func(c *Config) { c.Threshold = 300 },
		func(c *Config) { c.FFTSize = 500 },
		func(c *Config) { c.Smoothing = 1 },
	}
	for _, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate())
		_, err := NewMonitor(cfg)
		assert.Error(t, err)
	}
}

func TestAttachValidatesArguments(t *testing.T) {
	m := newTestMonitor(t)
	_, err := m.Attach(nil, nil, func(bool) {})
	assert.ErrorIs(t, err, ErrNilSource)
	_, err = m.Attach(newFakeSource(media.Silence), nil, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
}

func TestMonitorDetectsSpeech(t *testing.T) {
	m := newTestMonitor(t)
	rec := &recorder{}

	h, err := m.Attach(newFakeSource(media.Noise(0.5, 2)), nil, rec.record)
	require.NoError(t, err)
	defer m.Detach(h)

	assert.Eventually(t, func() bool {
		v := rec.snapshot()
		return len(v) > 0 && v[len(v)-1]
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorSilenceEmitsFalseOnce(t *testing.T) {
	m := newTestMonitor(t)
	rec := &recorder{}

	h, err := m.Attach(newFakeSource(media.Silence), nil, rec.record)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	m.Detach(h)

	assert.Equal(t, []bool{false}, rec.snapshot(), "only changes are emitted")
}

func TestMuteOverridesEnergy(t *testing.T) {
	m := newTestMonitor(t)
	rec := &recorder{}

	var muted atomic.Bool
	muted.Store(true)
	h, err := m.Attach(newFakeSource(media.Noise(0.9, 3)), muted.Load, rec.record)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	for _, v := range rec.snapshot() {
		assert.False(t, v)
	}

	muted.Store(false)
	assert.Eventually(t, func() bool {
		v := rec.snapshot()
		return len(v) > 0 && v[len(v)-1]
	}, time.Second, 5*time.Millisecond)

	muted.Store(true)
	assert.Eventually(t, func() bool {
		v := rec.snapshot()
		return len(v) > 0 && !v[len(v)-1]
	}, time.Second, 5*time.Millisecond)

	m.Detach(h)
}

func TestMonitorAutoStopsWhenSourceEnds(t *testing.T) {
	m := newTestMonitor(t)
	rec := &recorder{}
	src := newFakeSource(media.Noise(0.5, 4))

	h, err := m.Attach(src, nil, rec.record)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Active())

	assert.Eventually(t, func() bool {
		v := rec.snapshot()
		return len(v) > 0 && v[len(v)-1]
	}, time.Second, 5*time.Millisecond)

	src.live.Store(false)

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after source ended")
	}
	v := rec.snapshot()
	assert.False(t, v[len(v)-1])
	assert.Zero(t, m.Active())

	m.Detach(h)
}

func TestDetachIsIdempotent(t *testing.T) {
	m := newTestMonitor(t)
	h, err := m.Attach(newFakeSource(media.Silence), nil, func(bool) {})
	require.NoError(t, err)

	m.Detach(h)
	m.Detach(h)
	m.Detach(nil)
	assert.Zero(t, m.Active())
}

func TestNoCallbacksAfterDetach(t *testing.T) {
	m := newTestMonitor(t)
	var calls atomic.Int32
	h, err := m.Attach(newFakeSource(media.Noise(0.5, 5)), nil, func(bool) { calls.Add(1) })
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.Detach(h)
	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}
