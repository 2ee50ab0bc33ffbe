package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrNoAudio indicates the capture buffer has not yet produced a full
// analysis window. Callers degrade to manual-stop-only recording.
var ErrNoAudio = errors.New("no audio window available")

// Sampler computes a scalar loudness value and frequency-domain data from
// the most recent capture window. Volume is the mean of the frequency-bin
// magnitudes, scaled into [0,255].
type Sampler struct {
	buffer     *Buffer
	windowSize int
	binCount   int

	// Precomputed DFT coefficients, one row per output bin
	cos [][]float64
	sin [][]float64
}

// NewSampler creates a sampler over the given capture buffer. windowSize is
// the number of samples analyzed per call; binCount the number of spectrum
// bins produced.
func NewSampler(buffer *Buffer, windowSize, binCount int) (*Sampler, error) {
	if buffer == nil {
		return nil, fmt.Errorf("buffer cannot be nil")
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if binCount <= 0 || binCount > windowSize/2 {
		return nil, fmt.Errorf("bin count must be between 1 and %d, got %d", windowSize/2, binCount)
	}

	s := &Sampler{
		buffer:     buffer,
		windowSize: windowSize,
		binCount:   binCount,
		cos:        make([][]float64, binCount),
		sin:        make([][]float64, binCount),
	}

	// Bin k analyzes frequency k+1 cycles per window; precompute the basis
	// so Sample stays cheap on the frame cadence.
	for k := 0; k < binCount; k++ {
		s.cos[k] = make([]float64, windowSize)
		s.sin[k] = make([]float64, windowSize)
		omega := 2 * math.Pi * float64(k+1) / float64(windowSize)
		for n := 0; n < windowSize; n++ {
			s.cos[k][n] = math.Cos(omega * float64(n))
			s.sin[k][n] = math.Sin(omega * float64(n))
		}
	}

	return s, nil
}

// Sample analyzes the most recent window and returns the loudness value in
// [0,255] plus the per-bin spectrum. Returns ErrNoAudio until the buffer
// holds a complete window.
func (s *Sampler) Sample() (float64, []byte, error) {
	window, err := s.buffer.Window(s.windowSize)
	if err != nil {
		return 0, nil, ErrNoAudio
	}

	return s.analyze(window)
}

// analyze computes bin magnitudes and mean volume for one window of samples
func (s *Sampler) analyze(window []int16) (float64, []byte, error) {
	if len(window) != s.windowSize {
		return 0, nil, fmt.Errorf("expected %d samples, got %d", s.windowSize, len(window))
	}

	spectrum := make([]byte, s.binCount)
	var sum float64

	for k := 0; k < s.binCount; k++ {
		var re, im float64
		for n, sample := range window {
			v := float64(sample)
			re += v * s.cos[k][n]
			im += v * s.sin[k][n]
		}

		// Normalize the magnitude to the int16 range, then to a byte.
		magnitude := 2 * math.Sqrt(re*re+im*im) / float64(s.windowSize)
		scaled := magnitude / 32768.0 * 255.0
		if scaled > 255 {
			scaled = 255
		}

		spectrum[k] = byte(scaled)
		sum += scaled
	}

	volume := sum / float64(s.binCount)
	return volume, spectrum, nil
}

// WindowSize returns the number of samples analyzed per call
func (s *Sampler) WindowSize() int {
	return s.windowSize
}

// BinCount returns the number of spectrum bins produced per call
func (s *Sampler) BinCount() int {
	return s.binCount
}
