package audio

import (
	"fmt"
	"sync"
	"time"
)

// Buffer accumulates PCM-16 samples for one recording. The capture device
// appends frames as they arrive; the sampler reads the most recent window.
type Buffer struct {
	sampleRate int
	samples    []int16

	lastUpdate  time.Time
	totalFrames uint64

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	SampleRate  int     `json:"sample_rate"`
	Samples     int     `json:"samples"`
	DurationSec float64 `json:"duration_seconds"`
	TotalFrames uint64  `json:"total_frames"`
}

// NewBuffer creates a new capture buffer
func NewBuffer(sampleRate int) *Buffer {
	return &Buffer{
		sampleRate: sampleRate,
		samples:    make([]int16, 0, sampleRate*2), // pre-allocate ~2 seconds
		lastUpdate: time.Now(),
	}
}

// AddSamples appends a frame of PCM samples to the buffer
func (b *Buffer) AddSamples(frame []int16) {
	if len(frame) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = append(b.samples, frame...)
	b.totalFrames++
	b.lastUpdate = time.Now()
}

// Window returns a copy of the most recent n samples. It fails until at
// least n samples have been captured.
func (b *Buffer) Window(n int) ([]int16, error) {
	if n <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", n)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.samples) < n {
		return nil, fmt.Errorf("not enough audio data: need %d samples, have %d", n, len(b.samples))
	}

	window := make([]int16, n)
	copy(window, b.samples[len(b.samples)-n:])
	return window, nil
}

// Snapshot returns a copy of all accumulated samples
func (b *Buffer) Snapshot() []int16 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]int16, len(b.samples))
	copy(out, b.samples)
	return out
}

// Len returns the current number of samples in the buffer
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.samples)
}

// Duration returns the captured audio duration
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.sampleRate == 0 {
		return 0
	}
	return time.Duration(len(b.samples)) * time.Second / time.Duration(b.sampleRate)
}

// Reset discards all accumulated samples
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = b.samples[:0]
	b.totalFrames = 0
}

// SampleRate returns the buffer's sample rate
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// LastUpdate returns the time of the last frame append
func (b *Buffer) LastUpdate() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdate
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	duration := float64(0)
	if b.sampleRate > 0 {
		duration = float64(len(b.samples)) / float64(b.sampleRate)
	}

	return BufferStats{
		SampleRate:  b.sampleRate,
		Samples:     len(b.samples),
		DurationSec: duration,
		TotalFrames: b.totalFrames,
	}
}
