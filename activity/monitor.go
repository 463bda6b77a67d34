// Package activity estimates whether an audio source is carrying speech.
//
// A Monitor samples each attached source on a fixed interval, computes the
// average frequency-bin energy of the latest window and reports changes of
// the speaking flag. Muting overrides the measurement.
package activity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults.
const (
	DefaultInterval  = 100 * time.Millisecond
	DefaultThreshold = 30.0
	DefaultFFTSize   = 512
	DefaultSmoothing = 0.8
)

var (
	// ErrNilSource is returned when Attach is given no source.
	ErrNilSource = errors.New("audio source cannot be nil")
	// ErrNilCallback is returned when Attach is given no change callback.
	ErrNilCallback = errors.New("change callback cannot be nil")
)

// Source provides PCM for analysis. media.AudioSource satisfies it.
type Source interface {
	Live() bool
	LatestSamples(n int) []int16
}

// Config tunes the monitor.
type Config struct {
	Interval  time.Duration
	Threshold float64
	FFTSize   int
	Smoothing float64
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		Interval:  DefaultInterval,
		Threshold: DefaultThreshold,
		FFTSize:   DefaultFFTSize,
		Smoothing: DefaultSmoothing,
	}
}

// Validate checks every field against its bounds.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive: %v", c.Interval)
	}
	if c.Threshold < 0 || c.Threshold > 255 {
		return fmt.Errorf("threshold must be between 0 and 255: %v", c.Threshold)
	}
	if c.FFTSize < 32 || c.FFTSize > 32768 || c.FFTSize&(c.FFTSize-1) != 0 {
		return fmt.Errorf("fft size must be a power of 2 between 32 and 32768: %d", c.FFTSize)
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1): %v", c.Smoothing)
	}
	return nil
}

// Monitor runs one sampling loop per attached source.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// NewMonitor creates a monitor with a validated configuration.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "NewMonitor",
			"error":    err.Error(),
		}).Error("Activity monitor configuration rejected")
		return nil, err
	}
	return &Monitor{cfg: cfg, handles: make(map[*Handle]struct{})}, nil
}

// Config returns the monitor configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Handle identifies one attached source.
type Handle struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Done is closed when sampling has stopped, either by Detach or because
// the source stopped being live.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Attach starts sampling src. muted may be nil. onChange is called from
// the sampling goroutine with the first result and then on every change;
// it must not call Detach.
func (m *Monitor) Attach(src Source, muted func() bool, onChange func(speaking bool)) (*Handle, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	if onChange == nil {
		return nil, ErrNilCallback
	}
	if muted == nil {
		muted = func() bool { return false }
	}

	h := &Handle{stop: make(chan struct{}), done: make(chan struct{})}
	m.mu.Lock()
	m.handles[h] = struct{}{}
	m.mu.Unlock()

	go m.run(h, src, muted, onChange)

	logrus.WithFields(logrus.Fields{
		"function":  "Attach",
		"interval":  m.cfg.Interval,
		"threshold": m.cfg.Threshold,
	}).Debug("Activity monitor attached")

	return h, nil
}

// Detach stops sampling and waits for the loop to exit. It is safe to
// call more than once and after the loop stopped on its own.
func (m *Monitor) Detach(h *Handle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// Active returns the number of running sampling loops.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

func (m *Monitor) run(h *Handle, src Source, muted func() bool, onChange func(bool)) {
	defer func() {
		m.mu.Lock()
		delete(m.handles, h)
		m.mu.Unlock()
		close(h.done)
	}()

	an := newAnalyser(m.cfg.FFTSize, m.cfg.Smoothing)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	emitted := false
	last := false
	emit := func(speaking bool) {
		if emitted && speaking == last {
			return
		}
		emitted = true
		last = speaking
		onChange(speaking)
	}

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		if !src.Live() {
			emit(false)
			logrus.WithFields(logrus.Fields{
				"function": "run",
			}).Debug("Audio source ended, stopping activity monitor")
			return
		}

		if muted() {
			an.reset()
			emit(false)
			continue
		}

		level := an.level(src.LatestSamples(m.cfg.FFTSize))
		emit(Speaking(level, m.cfg.Threshold, false))
	}
}
