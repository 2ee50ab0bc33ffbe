package vad

import (
	"fmt"
	"sync"
	"time"
)

// StopReason identifies why the detector requested an automatic stop
type StopReason string

const (
	// StopSilenceAfterSpeech fires when speech was heard and then silence
	// persisted past the silence timeout
	StopSilenceAfterSpeech StopReason = "silence-after-speech"

	// StopNoSpeechDetected fires when no speech was ever heard within the
	// no-speech timeout from the start of detection
	StopNoSpeechDetected StopReason = "no-speech-detected"
)

// Observer receives detection events. Callbacks run synchronously on the
// goroutine calling Observe, in the order events occur.
type Observer interface {
	// OnVolumeChange fires for every observed sample with the loudness
	// value in [0,255] and the frequency spectrum
	OnVolumeChange(volume float64, spectrum []byte)

	// OnSpeechStart fires when volume first rises to the threshold
	OnSpeechStart()

	// OnSpeechEnd fires when volume drops below the threshold after speech
	OnSpeechEnd()

	// OnAutoStop fires at most once per detection run
	OnAutoStop(reason StopReason)

	// OnError reports a non-fatal detection problem, such as the sample
	// source failing mid-run
	OnError(err error)
}

// Config controls the detector thresholds and timeouts
type Config struct {
	// SilenceThreshold is the loudness value in [0,255] at or above which a
	// sample counts as speech
	SilenceThreshold float64

	// SilenceTimeout is how long silence must persist after speech before
	// an automatic stop is requested
	SilenceTimeout time.Duration

	// NoSpeechTimeout is how long detection runs without any speech before
	// an automatic stop is requested
	NoSpeechTimeout time.Duration
}

// Detector is a two-state voice activity machine driven by loudness samples.
// It tracks whether the speaker is currently talking and requests at most one
// automatic stop per run. Time is supplied by the caller with every
// observation so behavior is deterministic.
type Detector struct {
	config   Config
	observer Observer

	// Detection state
	running      bool
	speaking     bool
	spokeOnce    bool
	stopped      bool
	beganAt      time.Time
	silenceSince time.Time

	// Statistics
	totalSamples uint64
	speechStarts uint64
	autoStops    uint64

	mu sync.Mutex
}

// DetectorStats represents a snapshot of detector counters
type DetectorStats struct {
	Running      bool      `json:"running"`
	Speaking     bool      `json:"speaking"`
	TotalSamples uint64    `json:"total_samples"`
	SpeechStarts uint64    `json:"speech_starts"`
	AutoStops    uint64    `json:"auto_stops"`
	SilenceSince time.Time `json:"silence_since,omitempty"`
}

// NewDetector creates a detector with the given thresholds and observer
func NewDetector(config Config, observer Observer) (*Detector, error) {
	if config.SilenceThreshold < 0 || config.SilenceThreshold > 255 {
		return nil, fmt.Errorf("silence threshold must be between 0 and 255, got %f", config.SilenceThreshold)
	}

	if config.SilenceTimeout <= 0 {
		return nil, fmt.Errorf("silence timeout must be positive, got %v", config.SilenceTimeout)
	}

	if config.NoSpeechTimeout <= 0 {
		config.NoSpeechTimeout = config.SilenceTimeout
	}

	if observer == nil {
		return nil, fmt.Errorf("observer cannot be nil")
	}

	return &Detector{
		config:   config,
		observer: observer,
	}, nil
}

// Begin starts a detection run at the given time, resetting per-run state
func (d *Detector) Begin(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = true
	d.speaking = false
	d.spokeOnce = false
	d.stopped = false
	d.beganAt = now
	d.silenceSince = time.Time{}
}

// End stops the detection run. Further observations are ignored.
func (d *Detector) End() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.running = false
}

// Observe feeds one loudness sample into the state machine. Samples arriving
// after an automatic stop still report volume but trigger no further
// transitions.
func (d *Detector) Observe(volume float64, spectrum []byte, now time.Time) {
	d.mu.Lock()

	if !d.running {
		d.mu.Unlock()
		return
	}

	d.totalSamples++

	type event int
	const (
		evNone event = iota
		evSpeechStart
		evSpeechEnd
	)

	ev := evNone
	var stop StopReason
	fireStop := false

	if !d.stopped {
		if volume >= d.config.SilenceThreshold {
			// Rising volume cancels any pending silence countdown
			d.silenceSince = time.Time{}
			if !d.speaking {
				d.speaking = true
				d.spokeOnce = true
				d.speechStarts++
				ev = evSpeechStart
			}
		} else {
			if d.speaking {
				d.speaking = false
				d.silenceSince = now
				ev = evSpeechEnd
			}

			if d.spokeOnce {
				if !d.silenceSince.IsZero() && now.Sub(d.silenceSince) >= d.config.SilenceTimeout {
					stop = StopSilenceAfterSpeech
					fireStop = true
				}
			} else if now.Sub(d.beganAt) >= d.config.NoSpeechTimeout {
				stop = StopNoSpeechDetected
				fireStop = true
			}
		}

		if fireStop {
			d.stopped = true
			d.autoStops++
		}
	}

	observer := d.observer
	d.mu.Unlock()

	// Callbacks run outside the lock so observers may call back into the
	// detector without deadlocking.
	observer.OnVolumeChange(volume, spectrum)

	switch ev {
	case evSpeechStart:
		observer.OnSpeechStart()
	case evSpeechEnd:
		observer.OnSpeechEnd()
	}

	if fireStop {
		observer.OnAutoStop(stop)
	}
}

// Speaking reports whether the detector currently considers speech active
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// SilenceStartedAt returns when the current post-speech silence began, or the
// zero time when no countdown is active
func (d *Detector) SilenceStartedAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.silenceSince
}

// GetStats returns a snapshot of detector counters
func (d *Detector) GetStats() DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	return DetectorStats{
		Running:      d.running,
		Speaking:     d.speaking,
		TotalSamples: d.totalSamples,
		SpeechStarts: d.speechStarts,
		AutoStops:    d.autoStops,
		SilenceSince: d.silenceSince,
	}
}
