package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/vad"
)

var (
	// ErrAlreadyRecording is returned by Start when a recording is active
	ErrAlreadyRecording = errors.New("recording already in progress")

	// ErrNotRecording is returned by Stop when no recording is active. The
	// loser of a stop race observes this error.
	ErrNotRecording = errors.New("no recording in progress")

	// ErrEmptyRecording is returned by Stop when no audio was captured
	ErrEmptyRecording = errors.New("recording captured no audio")
)

const (
	// StopMaxDuration is reported when the wall-clock ceiling ends a
	// recording independently of voice activity
	StopMaxDuration vad.StopReason = "max-duration"

	// StopCanceled is reported when the owning context ends a recording
	StopCanceled vad.StopReason = "canceled"
)

// Phase represents the lifecycle state of a recording session
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRecording Phase = "recording"
)

// State is a point-in-time snapshot of the session for UI binding
type State struct {
	Phase            Phase         `json:"phase"`
	Speaking         bool          `json:"speaking"`
	Volume           float64       `json:"volume"`
	SilenceStartedAt time.Time     `json:"silence_started_at,omitempty"`
	Elapsed          time.Duration `json:"elapsed"`
	VADDisabled      bool          `json:"vad_disabled"`
}

// Config controls one session's capture and detection parameters
type Config struct {
	SampleRate    int
	FrameInterval time.Duration
	SpectrumBins  int
	MaxDuration   time.Duration
	VAD           vad.Config
}

// Events carries the session's outbound callbacks. Any field may be nil.
// OnAutoStop delivers the encoded recording when the session ends itself,
// either through voice activity detection or the duration ceiling.
type Events struct {
	OnVolumeChange func(volume float64, spectrum []byte)
	OnSpeechStart  func()
	OnSpeechEnd    func()
	OnAutoStop     func(reason vad.StopReason, blob *audio.Blob, err error)
	OnError        func(err error)
}

// Session owns one microphone capture at a time and converts it into an
// encoded audio blob on stop. Voice activity detection runs on a steady
// sampling cadence; automatic and manual stops converge on a single
// idempotent path, so concurrent stop callers see exactly one blob.
type Session struct {
	config Config
	device audio.Device
	events Events
	logger *slog.Logger

	phase     Phase
	buffer    *audio.Buffer
	sampler   *audio.Sampler
	detector  *vad.Detector
	startedAt time.Time
	volume    float64

	vadDisabled bool
	maxTimer    *time.Timer
	done        chan struct{}

	// Statistics
	totalSessions uint64
	autoStops     uint64

	mu sync.Mutex
}

// SessionStats represents session counters
type SessionStats struct {
	Phase         Phase  `json:"phase"`
	TotalSessions uint64 `json:"total_sessions"`
	AutoStops     uint64 `json:"auto_stops"`
	VADDisabled   bool   `json:"vad_disabled"`
}

// NewSession creates a recording session over the given capture device
func NewSession(config Config, device audio.Device, events Events, logger *slog.Logger) (*Session, error) {
	if device == nil {
		return nil, fmt.Errorf("device cannot be nil")
	}

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.FrameInterval <= 0 {
		return nil, fmt.Errorf("frame interval must be positive, got %v", config.FrameInterval)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		config: config,
		device: device,
		events: events,
		logger: logger,
		phase:  PhaseIdle,
	}, nil
}

// Start begins capturing from the microphone. Fails with ErrAlreadyRecording
// when a recording is active, or with a device fault when the microphone
// cannot be acquired.
func (s *Session) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseRecording {
		return ErrAlreadyRecording
	}

	buffer := audio.NewBuffer(s.config.SampleRate)

	windowSize := s.config.SampleRate * int(s.config.FrameInterval/time.Millisecond) / 1000
	if windowSize < 16 {
		windowSize = 16
	}

	binCount := s.config.SpectrumBins
	if binCount > windowSize/2 {
		s.logger.Warn("Clamping spectrum bins to window capacity",
			slog.Int("requested", binCount),
			slog.Int("clamped", windowSize/2))
		binCount = windowSize / 2
	}

	sampler, err := audio.NewSampler(buffer, windowSize, binCount)
	if err != nil {
		return fmt.Errorf("failed to create sampler: %w", err)
	}

	detector, err := vad.NewDetector(s.config.VAD, &sessionObserver{session: s})
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	if err := s.device.Start(buffer.AddSamples); err != nil {
		return err
	}

	now := time.Now()
	s.buffer = buffer
	s.sampler = sampler
	s.detector = detector
	s.startedAt = now
	s.volume = 0
	s.vadDisabled = false
	s.phase = PhaseRecording
	s.done = make(chan struct{})
	s.totalSessions++

	detector.Begin(now)

	if s.config.MaxDuration > 0 {
		s.maxTimer = time.AfterFunc(s.config.MaxDuration, func() {
			s.autoStop(StopMaxDuration)
		})
	}

	go s.sampleLoop(ctx, s.done, sampler, detector)

	s.logger.Info("Recording started",
		slog.Int("sample_rate", s.config.SampleRate),
		slog.Duration("frame_interval", s.config.FrameInterval),
		slog.Duration("max_duration", s.config.MaxDuration))

	return nil
}

// Stop ends the recording and returns the captured audio encoded as WAV.
// Safe to call concurrently with an automatic stop; exactly one caller
// receives the blob, later callers get ErrNotRecording.
func (s *Session) Stop() (*audio.Blob, error) {
	s.mu.Lock()

	if s.phase != PhaseRecording {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}

	s.phase = PhaseIdle
	close(s.done)

	if s.maxTimer != nil {
		s.maxTimer.Stop()
		s.maxTimer = nil
	}

	s.detector.End()
	buffer := s.buffer
	s.mu.Unlock()

	if err := s.device.Stop(); err != nil {
		s.logger.Warn("Failed to stop capture device", slog.String("error", err.Error()))
	}

	samples := buffer.Snapshot()
	if len(samples) == 0 {
		return nil, ErrEmptyRecording
	}

	blob, err := audio.EncodeWAVBlob(samples, s.config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode recording: %w", err)
	}

	s.logger.Info("Recording stopped",
		slog.Duration("duration", blob.Duration),
		slog.Int("bytes", len(blob.Data)))

	return blob, nil
}

// State returns a snapshot of the session for UI binding
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{
		Phase:       s.phase,
		Volume:      s.volume,
		VADDisabled: s.vadDisabled,
	}

	if s.phase == PhaseRecording {
		state.Elapsed = time.Since(s.startedAt)
		if s.detector != nil {
			state.Speaking = s.detector.Speaking()
			state.SilenceStartedAt = s.detector.SilenceStartedAt()
		}
	}

	return state
}

// GetStats returns session counters
func (s *Session) GetStats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SessionStats{
		Phase:         s.phase,
		TotalSessions: s.totalSessions,
		AutoStops:     s.autoStops,
		VADDisabled:   s.vadDisabled,
	}
}

// sampleLoop drives the sampler on the frame cadence and feeds the detector.
// Persistent sampler failure disables detection for the rest of the run; the
// recording itself continues until stopped manually.
func (s *Session) sampleLoop(ctx context.Context, done chan struct{}, sampler *audio.Sampler, detector *vad.Detector) {
	ticker := time.NewTicker(s.config.FrameInterval)
	defer ticker.Stop()

	// Allow the capture pipeline a full second to produce its first window
	graceTicks := int(time.Second / s.config.FrameInterval)
	if graceTicks < 1 {
		graceTicks = 1
	}
	misses := 0

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			s.autoStop(StopCanceled)
			return
		case <-ticker.C:
			volume, spectrum, err := sampler.Sample()
			if err != nil {
				if errors.Is(err, audio.ErrNoAudio) {
					misses++
					if misses > graceTicks {
						s.disableVAD(fmt.Errorf("no audio produced within grace period: %w", err))
						return
					}
					continue
				}

				s.disableVAD(err)
				return
			}

			misses = 0
			detector.Observe(volume, spectrum, time.Now())
		}
	}
}

// disableVAD degrades the session to manual-stop-only operation
func (s *Session) disableVAD(err error) {
	s.mu.Lock()
	s.vadDisabled = true
	s.mu.Unlock()

	s.logger.Warn("Voice activity detection disabled, manual stop only",
		slog.String("error", err.Error()))

	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}

// autoStop runs the shared stop path for detector and timer stops. Losing
// the race to a manual stop is not an error.
func (s *Session) autoStop(reason vad.StopReason) {
	blob, err := s.Stop()
	if errors.Is(err, ErrNotRecording) {
		return
	}

	s.mu.Lock()
	s.autoStops++
	s.mu.Unlock()

	s.logger.Info("Recording auto-stopped", slog.String("reason", string(reason)))

	if s.events.OnAutoStop != nil {
		s.events.OnAutoStop(reason, blob, err)
	}
}

// sessionObserver adapts detector events onto the session's callbacks and
// the shared stop path
type sessionObserver struct {
	session *Session
}

func (o *sessionObserver) OnVolumeChange(volume float64, spectrum []byte) {
	s := o.session
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()

	if s.events.OnVolumeChange != nil {
		s.events.OnVolumeChange(volume, spectrum)
	}
}

func (o *sessionObserver) OnSpeechStart() {
	if o.session.events.OnSpeechStart != nil {
		o.session.events.OnSpeechStart()
	}
}

func (o *sessionObserver) OnSpeechEnd() {
	if o.session.events.OnSpeechEnd != nil {
		o.session.events.OnSpeechEnd()
	}
}

func (o *sessionObserver) OnAutoStop(reason vad.StopReason) {
	o.session.autoStop(reason)
}

func (o *sessionObserver) OnError(err error) {
	if o.session.events.OnError != nil {
		o.session.events.OnError(err)
	}
}
