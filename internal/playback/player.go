package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
)

// Player opens audio blobs for playback. Every successful Open must be
// balanced by a Close on the returned track; the queue owns that contract.
type Player interface {
	Open(blob *audio.Blob) (Track, error)
}

// Track is one opened piece of audio. Play and Pause toggle output, Stop
// rewinds to the start, Seek repositions the cursor. OnComplete registers a
// callback fired once when the audio reaches its natural end.
type Track interface {
	Play() error
	Pause() error
	Stop() error
	Seek(pos time.Duration) error
	SetVolume(v float64) error
	SetRate(r float64) error
	Duration() time.Duration
	Position() time.Duration
	OnComplete(fn func())
	Close() error
}

// DevicePlayer is the malgo-backed speaker implementation. It owns one audio
// context shared by all tracks it opens.
type DevicePlayer struct {
	ctx *malgo.AllocatedContext
	mu  sync.Mutex
}

// NewDevicePlayer creates a speaker player. The audio context is initialized
// lazily on the first Open.
func NewDevicePlayer() *DevicePlayer {
	return &DevicePlayer{}
}

// Open decodes the blob and prepares a speaker track for it
func (p *DevicePlayer) Open(blob *audio.Blob) (Track, error) {
	if blob.Empty() {
		return nil, fmt.Errorf("cannot open empty audio blob")
	}

	samples, sampleRate, err := audio.DecodeWAV(blob.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio: %w", err)
	}

	p.mu.Lock()
	if p.ctx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			p.mu.Unlock()
			return nil, faults.Device("unsupported", fmt.Sprintf("audio output unavailable: %v", err),
				"check that an audio output device is available")
		}
		p.ctx = ctx
	}
	ctx := p.ctx
	p.mu.Unlock()

	track := &deviceTrack{
		samples:    samples,
		sampleRate: sampleRate,
		volume:     1.0,
		rate:       1.0,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: track.fill,
	})
	if err != nil {
		return nil, faults.Device("unsupported", fmt.Sprintf("failed to open output device: %v", err),
			"check that an audio output device is available")
	}

	track.device = device
	return track, nil
}

// Close releases the shared audio context. All tracks must be closed first.
func (p *DevicePlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		if err := p.ctx.Uninit(); err != nil {
			return fmt.Errorf("failed to uninit audio context: %w", err)
		}
		p.ctx.Free()
		p.ctx = nil
	}

	return nil
}

// deviceTrack plays decoded PCM through a malgo playback device. The cursor
// advances by the playback rate, so rate changes pitch-shift by stepping.
type deviceTrack struct {
	samples    []int16
	sampleRate int
	device     *malgo.Device

	cursor   float64
	volume   float64
	rate     float64
	playing  bool
	ended    bool
	closed   bool
	complete func()

	mu sync.Mutex
}

// fill is the device callback feeding PCM into the output buffer
func (t *deviceTrack) fill(pOutput, _ []byte, framecount uint32) {
	t.mu.Lock()

	n := int(framecount)
	for i := 0; i < n; i++ {
		var sample int16
		idx := int(t.cursor)
		if t.playing && idx < len(t.samples) {
			sample = int16(float64(t.samples[idx]) * t.volume)
			t.cursor += t.rate
		}
		pOutput[i*2] = byte(sample)
		pOutput[i*2+1] = byte(sample >> 8)
	}

	finished := t.playing && int(t.cursor) >= len(t.samples) && !t.ended
	if finished {
		t.ended = true
		t.playing = false
	}
	complete := t.complete
	t.mu.Unlock()

	// Completion runs off the audio thread; the callback must not block
	if finished && complete != nil {
		go complete()
	}
}

func (t *deviceTrack) Play() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("track is closed")
	}
	if t.ended {
		t.cursor = 0
		t.ended = false
	}
	t.playing = true
	started := t.device.IsStarted()
	t.mu.Unlock()

	if !started {
		if err := t.device.Start(); err != nil {
			return faults.Device("device-busy", fmt.Sprintf("failed to start playback: %v", err),
				"close other applications using the speaker")
		}
	}
	return nil
}

func (t *deviceTrack) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("track is closed")
	}
	t.playing = false
	return nil
}

func (t *deviceTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("track is closed")
	}
	t.playing = false
	t.cursor = 0
	t.ended = false
	return nil
}

func (t *deviceTrack) Seek(pos time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("track is closed")
	}

	sample := float64(pos) / float64(time.Second) * float64(t.sampleRate)
	if sample < 0 {
		sample = 0
	}
	if sample > float64(len(t.samples)) {
		sample = float64(len(t.samples))
	}
	t.cursor = sample
	t.ended = false
	return nil
}

func (t *deviceTrack) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("volume must be between 0 and 1, got %f", v)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.volume = v
	return nil
}

func (t *deviceTrack) SetRate(r float64) error {
	if r < 0.25 || r > 4 {
		return fmt.Errorf("rate must be between 0.25 and 4, got %f", r)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rate = r
	return nil
}

func (t *deviceTrack) Duration() time.Duration {
	return time.Duration(len(t.samples)) * time.Second / time.Duration(t.sampleRate)
}

func (t *deviceTrack) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.cursor) * time.Second / time.Duration(t.sampleRate)
}

func (t *deviceTrack) OnComplete(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complete = fn
}

func (t *deviceTrack) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.playing = false
	device := t.device
	t.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	return nil
}
