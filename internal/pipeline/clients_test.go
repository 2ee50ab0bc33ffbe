package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
)

func testBlob(t *testing.T) *audio.Blob {
	t.Helper()
	blob, err := audio.EncodeWAVBlob(make([]int16, 1600), 16000)
	if err != nil {
		t.Fatalf("Failed to create blob: %v", err)
	}
	return blob
}

func TestASRTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transcribe" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}

		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("Expected multipart form: %v", err)
		}

		file, _, err := r.FormFile("audio")
		if err != nil {
			t.Fatalf("Expected audio file field: %v", err)
		}
		file.Close()

		if got := r.FormValue("language"); got != "zh" {
			t.Errorf("Expected normalized language zh, got %q", got)
		}

		json.NewEncoder(w).Encode(Transcription{Text: "你好，請問攤位在哪裡", Language: "zh"})
	}))
	defer server.Close()

	client, err := NewASRClient(ASRConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	result, err := client.Transcribe(context.Background(), testBlob(t), "zh-TW")
	if err != nil {
		t.Fatalf("Failed to transcribe: %v", err)
	}

	if result.Text != "你好，請問攤位在哪裡" {
		t.Errorf("Unexpected transcription %q", result.Text)
	}
	if result.Language != "zh" {
		t.Errorf("Unexpected language %q", result.Language)
	}
}

func TestASRRejectsEmptyBlob(t *testing.T) {
	client, err := NewASRClient(ASRConfig{Endpoint: "http://localhost:1"})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := client.Transcribe(context.Background(), &audio.Blob{}, ""); err == nil {
		t.Error("Expected error for empty blob")
	}
}

func TestNormalizeASRLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "zh-TW", want: "zh"},
		{in: "en-US", want: "en"},
		{in: "ko", want: "ko"}, // unknown passes through
	}

	for _, tt := range tests {
		if got := NormalizeASRLanguage(tt.in); got != tt.want {
			t.Errorf("NormalizeASRLanguage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGenerationGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}

		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}

		if len(req.Messages) != 3 {
			t.Errorf("Expected history plus user turn, got %d messages", len(req.Messages))
		}
		if last := req.Messages[len(req.Messages)-1]; last.Role != "user" || last.Content != "where is booth A12" {
			t.Errorf("Unexpected final message %+v", last)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "Booth A12 is near the east entrance."}}],
			"conversation_id": "srv-7"
		}`))
	}))
	defer server.Close()

	client, err := NewGenerationClient(GenerationConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	result, err := client.Generate(context.Background(), GenerateRequest{
		Text: "where is booth A12",
		History: []ChatMessage{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("Failed to generate: %v", err)
	}

	if result.Reply != "Booth A12 is near the east entrance." {
		t.Errorf("Unexpected reply %q", result.Reply)
	}
	if result.ConversationID != "srv-7" {
		t.Errorf("Expected server-assigned conversation id, got %q", result.ConversationID)
	}
}

func TestTTSSynthesizeBinary(t *testing.T) {
	wav, _ := audio.EncodeWAV(make([]int16, 8000), 16000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req synthesizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if req.Lang != "zh-tw" {
			t.Errorf("Expected normalized lang zh-tw, got %q", req.Lang)
		}

		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	defer server.Close()

	client, err := NewTTSClient(TTSConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	blob, err := client.Synthesize(context.Background(), "攤位在東側入口附近", "zh")
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	if blob.MIME != "audio/wav" {
		t.Errorf("Expected audio/wav MIME, got %s", blob.MIME)
	}
	if len(blob.Data) != len(wav) {
		t.Errorf("Expected %d bytes, got %d", len(wav), len(blob.Data))
	}
	if blob.Duration != 500*time.Millisecond {
		t.Errorf("Expected 500ms duration, got %v", blob.Duration)
	}
}

func TestTTSSynthesizeBase64JSON(t *testing.T) {
	wav, _ := audio.EncodeWAV(make([]int16, 1600), 16000)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(synthesizeJSONResponse{
			Audio: base64.StdEncoding.EncodeToString(wav),
		})
	}))
	defer server.Close()

	client, err := NewTTSClient(TTSConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	blob, err := client.Synthesize(context.Background(), "hello", "en")
	if err != nil {
		t.Fatalf("Failed to synthesize: %v", err)
	}

	if blob.MIME != audio.MIMEWAV {
		t.Errorf("Expected default WAV MIME, got %s", blob.MIME)
	}
	if len(blob.Data) != len(wav) {
		t.Errorf("Expected decoded audio, got %d bytes", len(blob.Data))
	}
}

func TestDecodeSynthesisResponse(t *testing.T) {
	wav, _ := audio.EncodeWAV(make([]int16, 1600), 16000)
	wrapped, _ := json.Marshal(synthesizeJSONResponse{
		Audio: base64.StdEncoding.EncodeToString(wav),
	})

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{"json with header", wrapped, "application/json"},
		{"json without header", wrapped, ""},
		{"json sniffed as text", append([]byte("\n "), wrapped...), "text/plain; charset=utf-8"},
		{"binary body", wav, "audio/wav"},
		{"binary without header", wav, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := decodeSynthesisResponse(&response{body: tt.body, contentType: tt.contentType})
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}

			if len(blob.Data) != len(wav) {
				t.Errorf("Expected %d audio bytes, got %d", len(wav), len(blob.Data))
			}
			if blob.Duration != 100*time.Millisecond {
				t.Errorf("Expected 100ms duration, got %v", blob.Duration)
			}
		})
	}
}

func TestTTSVoicesFallsBackToDefaults(t *testing.T) {
	client, err := NewTTSClient(TTSConfig{
		Endpoint:   "http://localhost:1",
		Timeout:    time.Second,
		MaxRetries: 0,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	voices := client.Voices(context.Background())
	if len(voices) != len(defaultVoices) {
		t.Errorf("Expected default voices, got %d", len(voices))
	}
}

func TestTTSVoicesListing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]Voice{
			{ID: "v1", Name: "Mei", Language: "zh-tw"},
		})
	}))
	defer server.Close()

	client, err := NewTTSClient(TTSConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	voices := client.Voices(context.Background())
	if len(voices) != 1 || voices[0].ID != "v1" {
		t.Errorf("Unexpected voices %+v", voices)
	}
}

func TestHealthProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client, err := NewASRClient(ASRConfig{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Expected healthy probe, got %v", err)
	}

	healthy.Store(false)
	if err := client.Health(context.Background()); err == nil {
		t.Error("Expected unhealthy probe to fail")
	}
}

func TestCallerRetries(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Transcription{Text: "retry worked"})
	}))
	defer server.Close()

	client, err := NewASRClient(ASRConfig{Endpoint: server.URL, MaxRetries: 2})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	result, err := client.Transcribe(context.Background(), testBlob(t), "")
	if err != nil {
		t.Fatalf("Expected retry to succeed: %v", err)
	}
	if result.Text != "retry worked" {
		t.Errorf("Unexpected transcription %q", result.Text)
	}

	stats := client.GetStats()
	if stats.TotalRetries != 1 {
		t.Errorf("Expected 1 retry, got %d", stats.TotalRetries)
	}
}
