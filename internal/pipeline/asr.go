package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
)

// asrLanguages maps UI locale codes onto what the speech recognizer accepts
var asrLanguages = map[string]string{
	"zh-TW": "zh",
	"zh-CN": "zh",
	"en-US": "en",
	"en-GB": "en",
	"ja-JP": "ja",
}

// ASRConfig contains speech recognition client configuration
type ASRConfig struct {
	Endpoint      string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Transcription is the result of one recognition call
type Transcription struct {
	Text     string `json:"transcription"`
	Language string `json:"language"`
}

// ASRClient talks to the speech recognition collaborator. Audio is sent as
// a multipart upload with an optional language hint.
type ASRClient struct {
	config ASRConfig
	caller *caller
}

// NewASRClient creates a speech recognition client
func NewASRClient(config ASRConfig) (*ASRClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Language == "" {
		config.Language = "zh"
	}

	return &ASRClient{
		config: config,
		caller: newCaller(callerConfig{
			timeout:       config.Timeout,
			maxRetries:    config.MaxRetries,
			maxConcurrent: config.MaxConcurrent,
		}),
	}, nil
}

// Transcribe sends an audio blob for recognition. The language hint falls
// back to the configured default when empty.
func (c *ASRClient) Transcribe(ctx context.Context, blob *audio.Blob, language string) (*Transcription, error) {
	if blob.Empty() {
		return nil, fmt.Errorf("cannot transcribe empty audio blob")
	}

	if language == "" {
		language = c.config.Language
	}
	language = NormalizeASRLanguage(language)

	resp, err := c.caller.call(ctx, func(ctx context.Context) (*http.Request, error) {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)

		fileWriter, err := writer.CreateFormFile("audio", "recording.wav")
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := fileWriter.Write(blob.Data); err != nil {
			return nil, fmt.Errorf("failed to write audio data: %w", err)
		}

		if err := writer.WriteField("language", language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}

		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("failed to close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.config.Endpoint+"/api/v1/transcribe", &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var result Transcription
	if err := json.Unmarshal(resp.body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse recognition response: %w", err)
	}

	return &result, nil
}

// Health probes the recognizer's health endpoint
func (c *ASRClient) Health(ctx context.Context) error {
	return c.caller.health(ctx, c.config.Endpoint+"/health")
}

// GetStats returns client statistics
func (c *ASRClient) GetStats() CallerStats {
	return c.caller.GetStats()
}

// NormalizeASRLanguage maps a UI locale code onto the recognizer's code,
// passing unknown codes through unchanged
func NormalizeASRLanguage(code string) string {
	if mapped, ok := asrLanguages[code]; ok {
		return mapped
	}
	return code
}
