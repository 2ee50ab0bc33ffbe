package vad

import (
	"sync"
	"testing"
	"time"
)

// recordingObserver captures detection events in arrival order
type recordingObserver struct {
	events    []string
	stops     []StopReason
	volumes   []float64
	lastSpec  []byte
	mu        sync.Mutex
}

func (o *recordingObserver) OnVolumeChange(volume float64, spectrum []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.volumes = append(o.volumes, volume)
	o.lastSpec = spectrum
}

func (o *recordingObserver) OnSpeechStart() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "speech-start")
}

func (o *recordingObserver) OnSpeechEnd() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "speech-end")
}

func (o *recordingObserver) OnAutoStop(reason StopReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "auto-stop")
	o.stops = append(o.stops, reason)
}

func (o *recordingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "error")
}

func newTestDetector(t *testing.T, config Config) (*Detector, *recordingObserver) {
	t.Helper()
	observer := &recordingObserver{}
	detector, err := NewDetector(config, observer)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	return detector, observer
}

func TestNewDetectorValidation(t *testing.T) {
	observer := &recordingObserver{}

	tests := []struct {
		name     string
		config   Config
		observer Observer
	}{
		{
			name:     "negative threshold",
			config:   Config{SilenceThreshold: -1, SilenceTimeout: time.Second},
			observer: observer,
		},
		{
			name:     "threshold above range",
			config:   Config{SilenceThreshold: 256, SilenceTimeout: time.Second},
			observer: observer,
		},
		{
			name:     "zero silence timeout",
			config:   Config{SilenceThreshold: 30, SilenceTimeout: 0},
			observer: observer,
		},
		{
			name:     "nil observer",
			config:   Config{SilenceThreshold: 30, SilenceTimeout: time.Second},
			observer: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDetector(tt.config, tt.observer); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestNoSpeechTimeoutDefaultsToSilenceTimeout(t *testing.T) {
	detector, _ := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   2 * time.Second,
	})

	if got := detector.config.NoSpeechTimeout; got != 2*time.Second {
		t.Errorf("Expected no-speech timeout 2s, got %v", got)
	}
}

// Forty quiet samples on a 16ms cadence exceed a 500ms no-speech window:
// expect exactly one auto-stop with no speech events.
func TestNoSpeechDetected(t *testing.T) {
	detector, observer := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   1500 * time.Millisecond,
		NoSpeechTimeout:  500 * time.Millisecond,
	})

	start := time.Now()
	detector.Begin(start)

	for i := 0; i < 40; i++ {
		now := start.Add(time.Duration(i) * 16 * time.Millisecond)
		detector.Observe(5, nil, now)
	}

	if len(observer.volumes) != 40 {
		t.Errorf("Expected 40 volume callbacks, got %d", len(observer.volumes))
	}

	if len(observer.events) != 1 || observer.events[0] != "auto-stop" {
		t.Fatalf("Expected exactly one auto-stop event, got %v", observer.events)
	}

	if observer.stops[0] != StopNoSpeechDetected {
		t.Errorf("Expected reason %s, got %s", StopNoSpeechDetected, observer.stops[0])
	}
}

// Speech for 500ms followed by 1600ms of silence with a 1500ms silence
// timeout: speech start, speech end, then a silence-after-speech stop.
func TestSilenceAfterSpeech(t *testing.T) {
	detector, observer := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   1500 * time.Millisecond,
	})

	start := time.Now()
	detector.Begin(start)

	now := start
	for elapsed := time.Duration(0); elapsed < 500*time.Millisecond; elapsed += 16 * time.Millisecond {
		now = start.Add(elapsed)
		detector.Observe(50, nil, now)
	}

	speechEnd := now
	for elapsed := time.Duration(0); elapsed <= 1600*time.Millisecond; elapsed += 16 * time.Millisecond {
		detector.Observe(10, nil, speechEnd.Add(elapsed))
	}

	expected := []string{"speech-start", "speech-end", "auto-stop"}
	if len(observer.events) != len(expected) {
		t.Fatalf("Expected events %v, got %v", expected, observer.events)
	}
	for i, event := range expected {
		if observer.events[i] != event {
			t.Errorf("Event %d: expected %s, got %s", i, event, observer.events[i])
		}
	}

	if observer.stops[0] != StopSilenceAfterSpeech {
		t.Errorf("Expected reason %s, got %s", StopSilenceAfterSpeech, observer.stops[0])
	}
}

// A volume spike during the silence countdown resets it, so no stop fires
// until a full uninterrupted timeout elapses.
func TestVolumeSpikeResetsSilenceCountdown(t *testing.T) {
	detector, observer := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   time.Second,
	})

	start := time.Now()
	detector.Begin(start)

	detector.Observe(50, nil, start)
	detector.Observe(10, nil, start.Add(100*time.Millisecond))

	// 900ms into the countdown, speech resumes briefly
	detector.Observe(50, nil, start.Add(1000*time.Millisecond))
	detector.Observe(10, nil, start.Add(1100*time.Millisecond))

	// 900ms later still no stop: the countdown restarted at 1100ms
	detector.Observe(10, nil, start.Add(2000*time.Millisecond))
	if len(observer.stops) != 0 {
		t.Fatalf("Expected no auto-stop yet, got %v", observer.stops)
	}

	detector.Observe(10, nil, start.Add(2200*time.Millisecond))
	if len(observer.stops) != 1 || observer.stops[0] != StopSilenceAfterSpeech {
		t.Fatalf("Expected one silence-after-speech stop, got %v", observer.stops)
	}
}

func TestAtMostOneAutoStop(t *testing.T) {
	detector, observer := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   100 * time.Millisecond,
	})

	start := time.Now()
	detector.Begin(start)

	detector.Observe(50, nil, start)
	for i := 1; i <= 50; i++ {
		detector.Observe(5, nil, start.Add(time.Duration(i)*50*time.Millisecond))
	}

	if len(observer.stops) != 1 {
		t.Errorf("Expected exactly one auto-stop, got %d", len(observer.stops))
	}

	// Volume still reported after the stop
	if len(observer.volumes) != 51 {
		t.Errorf("Expected 51 volume callbacks, got %d", len(observer.volumes))
	}
}

func TestObserveIgnoredWhenNotRunning(t *testing.T) {
	detector, observer := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   time.Second,
	})

	detector.Observe(50, nil, time.Now())
	if len(observer.volumes) != 0 {
		t.Error("Expected no callbacks before Begin")
	}

	start := time.Now()
	detector.Begin(start)
	detector.Observe(50, nil, start)
	detector.End()
	detector.Observe(10, nil, start.Add(2*time.Second))

	if len(observer.stops) != 0 {
		t.Errorf("Expected no auto-stop after End, got %v", observer.stops)
	}
}

func TestBeginResetsRunState(t *testing.T) {
	detector, observer := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   100 * time.Millisecond,
	})

	start := time.Now()
	detector.Begin(start)
	detector.Observe(50, nil, start)
	detector.Observe(5, nil, start.Add(200*time.Millisecond))

	if len(observer.stops) != 1 {
		t.Fatalf("Expected one auto-stop in first run, got %d", len(observer.stops))
	}

	// A fresh run can stop again
	restart := start.Add(time.Second)
	detector.Begin(restart)
	detector.Observe(50, nil, restart)
	detector.Observe(5, nil, restart.Add(200*time.Millisecond))

	if len(observer.stops) != 2 {
		t.Errorf("Expected a second auto-stop after Begin, got %d", len(observer.stops))
	}

	stats := detector.GetStats()
	if stats.SpeechStarts != 2 {
		t.Errorf("Expected 2 speech starts, got %d", stats.SpeechStarts)
	}
	if stats.AutoStops != 2 {
		t.Errorf("Expected 2 auto-stops, got %d", stats.AutoStops)
	}
}

func TestSpeakingSnapshot(t *testing.T) {
	detector, _ := newTestDetector(t, Config{
		SilenceThreshold: 30,
		SilenceTimeout:   time.Second,
	})

	start := time.Now()
	detector.Begin(start)

	if detector.Speaking() {
		t.Error("Expected not speaking before any samples")
	}

	detector.Observe(50, nil, start)
	if !detector.Speaking() {
		t.Error("Expected speaking after loud sample")
	}

	detector.Observe(10, nil, start.Add(100*time.Millisecond))
	if detector.Speaking() {
		t.Error("Expected not speaking after quiet sample")
	}

	if detector.SilenceStartedAt().IsZero() {
		t.Error("Expected silence countdown to be active")
	}
}
