package activity

import (
	"math"
)

// Byte-scale mapping bounds, in decibels.
const (
	MinDecibels = -100.0
	MaxDecibels = -30.0
)

// analyser turns PCM windows into a 0..255 frequency-energy level.
//
// Each window is Blackman-weighted, transformed, normalized by the FFT
// size and smoothed against the previous window's magnitudes before being
// mapped from [MinDecibels, MaxDecibels] onto a byte scale.
type analyser struct {
	size      int
	smoothing float64
	window    []float64
	buf       []complex128
	smoothed  []float64
}

func newAnalyser(size int, smoothing float64) *analyser {
	a := &analyser{
		size:      size,
		smoothing: smoothing,
		window:    make([]float64, size),
		buf:       make([]complex128, size),
		smoothed:  make([]float64, size/2),
	}

	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a2 := 0.5 * alpha
	for i := range a.window {
		x := 2 * math.Pi * float64(i) / float64(size)
		a.window[i] = a0 - 0.5*math.Cos(x) + a2*math.Cos(2*x)
	}
	return a
}

// level analyses the most recent size samples and returns the average
// byte magnitude across all bins. Short input is zero padded at the front.
func (a *analyser) level(samples []int16) float64 {
	if len(samples) > a.size {
		samples = samples[len(samples)-a.size:]
	}
	offset := a.size - len(samples)
	for i := range a.buf {
		v := 0.0
		if i >= offset {
			v = float64(samples[i-offset]) / 32768.0
		}
		a.buf[i] = complex(v*a.window[i], 0)
	}

	fft(a.buf)

	sum := 0.0
	scale := 1.0 / float64(a.size)
	for k := range a.smoothed {
		mag := cmplxAbs(a.buf[k]) * scale
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		sum += toByte(a.smoothed[k])
	}
	return sum / float64(len(a.smoothed))
}

func (a *analyser) reset() {
	for i := range a.smoothed {
		a.smoothed[i] = 0
	}
}

func toByte(mag float64) float64 {
	if mag <= 0 {
		return 0
	}
	db := 20 * math.Log10(mag)
	v := 255 * (db - MinDecibels) / (MaxDecibels - MinDecibels)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return math.Floor(v)
}

func cmplxAbs(c complex128) float64 {
	re, im := real(c), imag(c)
	return math.Sqrt(re*re + im*im)
}

// fft is an in-place radix-2 Cooley-Tukey transform. len(data) must be a
// power of two.
func fft(data []complex128) {
	n := len(data)
	if n <= 1 {
		return
	}

	for i, j := 0, 0; i < n; i++ {
		if j > i {
			data[i], data[j] = data[j], data[i]
		}
		bit := n >> 1
		for j&bit != 0 {
			j ^= bit
			bit >>= 1
		}
		j ^= bit
	}

	for size := 2; size <= n; size <<= 1 {
		half := size >> 1
		step := -2 * math.Pi / float64(size)
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				twiddle := complex(math.Cos(float64(k)*step), math.Sin(float64(k)*step))
				u := data[start+k]
				v := data[start+k+half] * twiddle
				data[start+k] = u + v
				data[start+k+half] = u - v
			}
		}
	}
}

// Level returns the unsmoothed 0..255 level of a PCM window using the
// default FFT size.
func Level(samples []int16) float64 {
	return newAnalyser(DefaultFFTSize, 0).level(samples)
}

// Speaking applies the speaking rule. Mute always wins.
func Speaking(level, threshold float64, muted bool) bool {
	return !muted && level > threshold
}
