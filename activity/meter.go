package activity

import (
	"sync"
	"time"
)

// Meter applies the monitor's analysis to audio that is pushed rather
// than polled, such as decoded remote frames. Frames arriving faster than
// the configured interval are accumulated and evaluated once per interval.
type Meter struct {
	cfg Config

	mu       sync.Mutex
	an       *analyser
	window   []int16
	lastEval time.Time
	speaking bool
}

// NewMeter creates a meter. The config must be valid.
func NewMeter(cfg Config) (*Meter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Meter{cfg: cfg, an: newAnalyser(cfg.FFTSize, cfg.Smoothing)}, nil
}

// Push adds PCM captured at now. It returns the current speaking flag and
// whether it changed with this push.
func (m *Meter) Push(now time.Time, pcm []int16) (speaking, changed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = append(m.window, pcm...)
	if over := len(m.window) - m.cfg.FFTSize; over > 0 {
		m.window = m.window[over:]
	}
	if !m.lastEval.IsZero() && now.Sub(m.lastEval) < m.cfg.Interval {
		return m.speaking, false
	}
	m.lastEval = now

	next := Speaking(m.an.level(m.window), m.cfg.Threshold, false)
	changed = next != m.speaking
	m.speaking = next
	return next, changed
}

// Reset clears history and the speaking flag.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.an.reset()
	m.window = m.window[:0]
	m.lastEval = time.Time{}
	m.speaking = false
}
