package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
)

// ttsLanguages maps short language codes onto the synthesizer's locale
// codes
var ttsLanguages = map[string]string{
	"zh": "zh-tw",
	"en": "en-us",
	"ja": "ja-jp",
}

// defaultVoices is served when the voice listing endpoint is unreachable
var defaultVoices = []Voice{
	{ID: "female-1", Name: "Default Female", Language: "zh-tw"},
	{ID: "male-1", Name: "Default Male", Language: "zh-tw"},
}

// TTSConfig contains speech synthesis client configuration
type TTSConfig struct {
	Endpoint      string
	Language      string
	Voice         string
	Speed         float64
	Format        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Voice describes one synthesizer voice
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
}

// synthesizeRequest is the wire shape of a synthesis call
type synthesizeRequest struct {
	Text   string  `json:"text"`
	Lang   string  `json:"lang"`
	Voice  string  `json:"voice,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
	Format string  `json:"format,omitempty"`
}

// synthesizeJSONResponse covers synthesizers that wrap the audio in JSON
// instead of returning a binary body
type synthesizeJSONResponse struct {
	Audio  string `json:"audio"`
	Format string `json:"format,omitempty"`
	MIME   string `json:"mime_type,omitempty"`
}

// TTSClient talks to the speech synthesis collaborator. Responses may be a
// binary audio body or base64-wrapped JSON; both decode to an audio blob.
type TTSClient struct {
	config TTSConfig
	caller *caller
}

// NewTTSClient creates a speech synthesis client
func NewTTSClient(config TTSConfig) (*TTSClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Language == "" {
		config.Language = "zh-tw"
	}

	if config.Speed <= 0 {
		config.Speed = 1.0
	}

	if config.Format == "" {
		config.Format = "wav"
	}

	return &TTSClient{
		config: config,
		caller: newCaller(callerConfig{
			timeout:       config.Timeout,
			maxRetries:    config.MaxRetries,
			maxConcurrent: config.MaxConcurrent,
		}),
	}, nil
}

// Synthesize converts reply text into an audio blob
func (c *TTSClient) Synthesize(ctx context.Context, text, language string) (*audio.Blob, error) {
	if text == "" {
		return nil, fmt.Errorf("cannot synthesize empty text")
	}

	if language == "" {
		language = c.config.Language
	}
	language = NormalizeTTSLanguage(language)

	payload := synthesizeRequest{
		Text:   text,
		Lang:   language,
		Voice:  c.config.Voice,
		Speed:  c.config.Speed,
		Format: c.config.Format,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode synthesis request: %w", err)
	}

	resp, err := c.caller.call(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.Endpoint+"/api/v1/synthesize", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	return decodeSynthesisResponse(resp)
}

// decodeSynthesisResponse handles both binary and base64-in-JSON bodies.
// Some synthesizers omit the Content-Type header on the JSON wrapper, so the
// body shape decides when the header does not say JSON. Encoded audio never
// starts with '{', so the sniff cannot misread a binary body.
func decodeSynthesisResponse(resp *response) (*audio.Blob, error) {
	body := bytes.TrimSpace(resp.body)
	if strings.Contains(resp.contentType, "application/json") || bytes.HasPrefix(body, []byte("{")) {
		var wrapped synthesizeJSONResponse
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse synthesis response: %w", err)
		}

		data, err := base64.StdEncoding.DecodeString(wrapped.Audio)
		if err != nil {
			return nil, fmt.Errorf("failed to decode synthesized audio: %w", err)
		}

		mime := wrapped.MIME
		if mime == "" {
			mime = audio.MIMEWAV
		}
		return &audio.Blob{Data: data, MIME: mime, Duration: wavDuration(data)}, nil
	}

	mime := resp.contentType
	if mime == "" {
		mime = audio.MIMEWAV
	}
	return &audio.Blob{Data: resp.body, MIME: mime, Duration: wavDuration(resp.body)}, nil
}

// wavDuration best-effort reads the payload duration; non-WAV audio simply
// reports zero
func wavDuration(data []byte) time.Duration {
	seconds, err := audio.GetWAVDuration(data)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Voices lists the synthesizer's available voices, serving defaults when
// the listing endpoint fails
func (c *TTSClient) Voices(ctx context.Context) []Voice {
	resp, err := c.caller.call(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.config.Endpoint+"/api/v1/voices", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return defaultVoices
	}

	var voices []Voice
	if err := json.Unmarshal(resp.body, &voices); err != nil || len(voices) == 0 {
		return defaultVoices
	}
	return voices
}

// Health probes the synthesizer's health endpoint
func (c *TTSClient) Health(ctx context.Context) error {
	return c.caller.health(ctx, c.config.Endpoint+"/health")
}

// GetStats returns client statistics
func (c *TTSClient) GetStats() CallerStats {
	return c.caller.GetStats()
}

// NormalizeTTSLanguage maps a short language code onto the synthesizer's
// locale code, passing unknown codes through unchanged
func NormalizeTTSLanguage(code string) string {
	if mapped, ok := ttsLanguages[code]; ok {
		return mapped
	}
	return code
}
