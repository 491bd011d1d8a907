package lipsync

import (
	"math"
	"sync"
)

// DefaultWindow is the number of samples an Analyzer looks at.
const DefaultWindow = 2048

// DefaultExponent shapes raw RMS into a perceptual mouth opening.
const DefaultExponent = 0.75

// Analyzer keeps the most recent window of mono PCM and reports its
// energy. Write may run on an audio callback thread while Sample runs on
// the render thread.
type Analyzer struct {
	mu       sync.Mutex
	buf      []float32
	pos      int
	exponent float64
}

// NewAnalyzer creates an analyzer over window samples. The window starts
// as silence.
func NewAnalyzer(window int, exponent float64) *Analyzer {
	if window <= 0 {
		window = DefaultWindow
	}
	if exponent <= 0 {
		exponent = DefaultExponent
	}
	return &Analyzer{buf: make([]float32, window), exponent: exponent}
}

// Write appends samples, overwriting the oldest.
func (a *Analyzer) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(samples) >= len(a.buf) {
		copy(a.buf, samples[len(samples)-len(a.buf):])
		a.pos = 0
		return
	}
	n := copy(a.buf[a.pos:], samples)
	if n < len(samples) {
		copy(a.buf, samples[n:])
	}
	a.pos = (a.pos + len(samples)) % len(a.buf)
}

// Sample returns the energy of the current window.
func (a *Analyzer) Sample() float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Energy(a.buf, a.exponent)
}

// Reset refills the window with silence.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.buf)
	a.pos = 0
}

// Energy is rms(samples)^exponent, clamped to [0,1].
func Energy(samples []float32, exponent float64) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return float32(math.Min(math.Pow(rms, exponent), 1))
}
