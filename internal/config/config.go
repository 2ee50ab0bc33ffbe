package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Recording     RecordingConfig     `yaml:"recording"`
	Playback      PlaybackConfig      `yaml:"playback"`
	Cache         CacheConfig         `yaml:"cache"`
	Switcher      SwitcherConfig      `yaml:"switcher"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains the monitoring HTTP server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains capture and sampling parameters
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	BitDepth        int `yaml:"bit_depth"`
	FrameIntervalMs int `yaml:"frame_interval_ms"` // sampler cadence
	SpectrumBins    int `yaml:"spectrum_bins"`
}

// VADConfig contains Voice Activity Detection configuration
type VADConfig struct {
	SilenceThreshold  float64 `yaml:"silence_threshold"` // volume in [0,255]
	SilenceTimeoutMs  int     `yaml:"silence_timeout_ms"`
	NoSpeechTimeoutMs int     `yaml:"no_speech_timeout_ms"` // 0 = same as silence_timeout_ms
}

// RecordingConfig contains recording session configuration
type RecordingConfig struct {
	MaxDurationS int `yaml:"max_duration_s"` // hard wall-clock ceiling
}

// PlaybackConfig contains playback queue configuration
type PlaybackConfig struct {
	Autoplay  bool    `yaml:"autoplay"`
	QueueMode bool    `yaml:"queue_mode"`
	Volume    float64 `yaml:"volume"`
	Rate      float64 `yaml:"rate"`
}

// CacheConfig contains the two-tier conversation cache configuration
type CacheConfig struct {
	Path                string `yaml:"path"` // durable store file
	RefreshDelayS       int    `yaml:"refresh_delay_s"`
	DurableFreshNormalM int    `yaml:"durable_fresh_normal_m"`
	DurableFreshHighM   int    `yaml:"durable_fresh_high_m"`
	Capacity            int    `yaml:"capacity"`
	KeepCount           int    `yaml:"keep_count"`
	ForcedKeepCount     int    `yaml:"forced_keep_count"`
}

// SwitcherConfig contains conversation switcher configuration
type SwitcherConfig struct {
	DebounceMs int `yaml:"debounce_ms"`
}

// CollaboratorsConfig groups the remote collaborator endpoints
type CollaboratorsConfig struct {
	ASR           ASRConfig           `yaml:"asr"`
	Generation    GenerationConfig    `yaml:"generation"`
	TTS           TTSConfig           `yaml:"tts"`
	Conversations ConversationsConfig `yaml:"conversations"`
}

// ASRConfig contains the speech-to-text collaborator configuration
type ASRConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Language   string `yaml:"language"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// GenerationConfig contains the response-generation collaborator configuration
type GenerationConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Model      string `yaml:"model"`
	MaxTokens  int    `yaml:"max_tokens"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// TTSConfig contains the text-to-speech collaborator configuration
type TTSConfig struct {
	Endpoint   string  `yaml:"endpoint"`
	Language   string  `yaml:"language"`
	Voice      string  `yaml:"voice"`
	Speed      float64 `yaml:"speed"`
	Format     string  `yaml:"format"`
	Timeout    int     `yaml:"timeout"` // seconds
	MaxRetries int     `yaml:"max_retries"`
}

// ConversationsConfig contains the conversation listing/detail collaborator configuration
type ConversationsConfig struct {
	Endpoint   string `yaml:"endpoint"`
	Timeout    int    `yaml:"timeout"` // seconds
	MaxRetries int    `yaml:"max_retries"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills in values the file may omit
func (c *Config) ApplyDefaults() {
	if c.VAD.NoSpeechTimeoutMs == 0 {
		c.VAD.NoSpeechTimeoutMs = c.VAD.SilenceTimeoutMs
	}
	if c.Audio.SpectrumBins == 0 {
		c.Audio.SpectrumBins = 32
	}
	if c.Playback.Volume == 0 {
		c.Playback.Volume = 1.0
	}
	if c.Playback.Rate == 0 {
		c.Playback.Rate = 1.0
	}
	if c.Cache.RefreshDelayS == 0 {
		c.Cache.RefreshDelayS = 2
	}
	if c.Cache.DurableFreshNormalM == 0 {
		c.Cache.DurableFreshNormalM = 5
	}
	if c.Cache.DurableFreshHighM == 0 {
		c.Cache.DurableFreshHighM = 30
	}
	if c.Cache.Capacity == 0 {
		c.Cache.Capacity = 50
	}
	if c.Cache.KeepCount == 0 {
		c.Cache.KeepCount = 40
	}
	if c.Cache.ForcedKeepCount == 0 {
		c.Cache.ForcedKeepCount = 20
	}
	if c.Switcher.DebounceMs == 0 {
		c.Switcher.DebounceMs = 150
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	if err := c.Switcher.Validate(); err != nil {
		return fmt.Errorf("switcher config: %w", err)
	}

	if err := c.Collaborators.Validate(); err != nil {
		return fmt.Errorf("collaborators config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	switch a.SampleRate {
	case 8000, 16000, 44100, 48000:
	default:
		return fmt.Errorf("sample_rate must be one of [8000, 16000, 44100, 48000], got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", a.BitDepth)
	}

	if a.FrameIntervalMs < 8 || a.FrameIntervalMs > 200 {
		return fmt.Errorf("frame_interval_ms must be between 8 and 200, got %d", a.FrameIntervalMs)
	}

	if a.SpectrumBins < 8 || a.SpectrumBins > 512 {
		return fmt.Errorf("spectrum_bins must be between 8 and 512, got %d", a.SpectrumBins)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.SilenceThreshold < 0 || v.SilenceThreshold > 255 {
		return fmt.Errorf("silence_threshold must be between 0 and 255, got %f", v.SilenceThreshold)
	}

	if v.SilenceTimeoutMs < 100 {
		return fmt.Errorf("silence_timeout_ms must be at least 100, got %d", v.SilenceTimeoutMs)
	}

	if v.NoSpeechTimeoutMs < 100 {
		return fmt.Errorf("no_speech_timeout_ms must be at least 100, got %d", v.NoSpeechTimeoutMs)
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.MaxDurationS < 1 {
		return fmt.Errorf("max_duration_s must be at least 1, got %d", r.MaxDurationS)
	}

	return nil
}

// Validate validates playback configuration
func (p *PlaybackConfig) Validate() error {
	if p.Volume < 0 || p.Volume > 1 {
		return fmt.Errorf("volume must be between 0 and 1, got %f", p.Volume)
	}

	if p.Rate < 0.25 || p.Rate > 4 {
		return fmt.Errorf("rate must be between 0.25 and 4, got %f", p.Rate)
	}

	return nil
}

// Validate validates cache configuration
func (c *CacheConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}

	if c.KeepCount < 1 || c.KeepCount > c.Capacity {
		return fmt.Errorf("keep_count must be between 1 and capacity (%d), got %d", c.Capacity, c.KeepCount)
	}

	if c.ForcedKeepCount < 1 || c.ForcedKeepCount > c.KeepCount {
		return fmt.Errorf("forced_keep_count must be between 1 and keep_count (%d), got %d", c.KeepCount, c.ForcedKeepCount)
	}

	return nil
}

// Validate validates switcher configuration
func (s *SwitcherConfig) Validate() error {
	if s.DebounceMs < 1 || s.DebounceMs > 5000 {
		return fmt.Errorf("debounce_ms must be between 1 and 5000, got %d", s.DebounceMs)
	}

	return nil
}

// Validate validates all collaborator configurations
func (c *CollaboratorsConfig) Validate() error {
	if err := validateCollaborator("asr", c.ASR.Endpoint, c.ASR.Timeout, c.ASR.MaxRetries); err != nil {
		return err
	}
	if err := validateCollaborator("generation", c.Generation.Endpoint, c.Generation.Timeout, c.Generation.MaxRetries); err != nil {
		return err
	}
	if err := validateCollaborator("tts", c.TTS.Endpoint, c.TTS.Timeout, c.TTS.MaxRetries); err != nil {
		return err
	}
	if err := validateCollaborator("conversations", c.Conversations.Endpoint, c.Conversations.Timeout, c.Conversations.MaxRetries); err != nil {
		return err
	}

	if c.TTS.Speed != 0 && (c.TTS.Speed < 0.5 || c.TTS.Speed > 2) {
		return fmt.Errorf("tts speed must be between 0.5 and 2, got %f", c.TTS.Speed)
	}

	return nil
}

func validateCollaborator(name, endpoint string, timeout, maxRetries int) error {
	if endpoint == "" {
		return fmt.Errorf("%s endpoint cannot be empty", name)
	}

	if timeout < 1 {
		return fmt.Errorf("%s timeout must be at least 1 second, got %d", name, timeout)
	}

	if maxRetries < 0 {
		return fmt.Errorf("%s max_retries cannot be negative, got %d", name, maxRetries)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetFrameInterval returns the sampler cadence as a time.Duration
func (a *AudioConfig) GetFrameInterval() time.Duration {
	return time.Duration(a.FrameIntervalMs) * time.Millisecond
}

// GetSilenceTimeout returns the post-speech silence timeout as a time.Duration
func (v *VADConfig) GetSilenceTimeout() time.Duration {
	return time.Duration(v.SilenceTimeoutMs) * time.Millisecond
}

// GetNoSpeechTimeout returns the no-speech-ever timeout as a time.Duration
func (v *VADConfig) GetNoSpeechTimeout() time.Duration {
	return time.Duration(v.NoSpeechTimeoutMs) * time.Millisecond
}

// GetMaxDuration returns the recording ceiling as a time.Duration
func (r *RecordingConfig) GetMaxDuration() time.Duration {
	return time.Duration(r.MaxDurationS) * time.Second
}

// GetRefreshDelay returns the background refresh delay as a time.Duration
func (c *CacheConfig) GetRefreshDelay() time.Duration {
	return time.Duration(c.RefreshDelayS) * time.Second
}

// GetDurableFreshNormal returns the normal-priority durable freshness window
func (c *CacheConfig) GetDurableFreshNormal() time.Duration {
	return time.Duration(c.DurableFreshNormalM) * time.Minute
}

// GetDurableFreshHigh returns the high-priority durable freshness window
func (c *CacheConfig) GetDurableFreshHigh() time.Duration {
	return time.Duration(c.DurableFreshHighM) * time.Minute
}

// GetDebounce returns the switcher debounce as a time.Duration
func (s *SwitcherConfig) GetDebounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}

// GetTimeout returns the ASR call timeout as a time.Duration
func (a *ASRConfig) GetTimeout() time.Duration {
	return time.Duration(a.Timeout) * time.Second
}

// GetTimeout returns the generation call timeout as a time.Duration
func (g *GenerationConfig) GetTimeout() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// GetTimeout returns the TTS call timeout as a time.Duration
func (t *TTSConfig) GetTimeout() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeout returns the conversations call timeout as a time.Duration
func (c *ConversationsConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
