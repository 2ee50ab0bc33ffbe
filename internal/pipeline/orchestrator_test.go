package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
)

// fakeSink records enqueued audio
type fakeSink struct {
	blobs []*audio.Blob
	err   error
	mu    sync.Mutex
}

func (s *fakeSink) Enqueue(blob *audio.Blob, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.blobs = append(s.blobs, blob)
	return fmt.Sprintf("item-%d", len(s.blobs)), nil
}

// collaboratorFixture runs mock ASR, generation, and TTS servers with
// per-step scripted responses
type collaboratorFixture struct {
	transcription string
	reply         string
	synthesized   []byte

	asr *httptest.Server
	gen *httptest.Server
	tts *httptest.Server
}

func newFixture(t *testing.T) *collaboratorFixture {
	t.Helper()

	wav, err := audio.EncodeWAV(make([]int16, 1600), 16000)
	if err != nil {
		t.Fatalf("Failed to encode fixture audio: %v", err)
	}

	f := &collaboratorFixture{
		transcription: "where is booth A12",
		reply:         "Booth A12 is near the east entrance.",
		synthesized:   wav,
	}

	f.asr = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Transcription{Text: f.transcription, Language: "en"})
	}))
	t.Cleanup(f.asr.Close)

	f.gen = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, f.reply)
	}))
	t.Cleanup(f.gen.Close)

	f.tts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(f.synthesized)
	}))
	t.Cleanup(f.tts.Close)

	return f
}

func newTestOrchestrator(t *testing.T, f *collaboratorFixture, sink Sink) *Orchestrator {
	t.Helper()

	asr, err := NewASRClient(ASRConfig{Endpoint: f.asr.URL})
	if err != nil {
		t.Fatalf("Failed to create ASR client: %v", err)
	}
	gen, err := NewGenerationClient(GenerationConfig{Endpoint: f.gen.URL})
	if err != nil {
		t.Fatalf("Failed to create generation client: %v", err)
	}
	tts, err := NewTTSClient(TTSConfig{Endpoint: f.tts.URL})
	if err != nil {
		t.Fatalf("Failed to create TTS client: %v", err)
	}

	orchestrator, err := NewOrchestrator(asr, gen, tts, sink,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	return orchestrator
}

func TestRunHappyPath(t *testing.T) {
	fixture := newFixture(t)
	sink := &fakeSink{}
	orchestrator := newTestOrchestrator(t, fixture, sink)

	result := orchestrator.Run(context.Background(), testBlob(t), TurnOptions{ConversationID: "c1"})
	if result.Err != nil {
		t.Fatalf("Unexpected error: %v", result.Err)
	}

	if result.Transcription != "where is booth A12" {
		t.Errorf("Unexpected transcription %q", result.Transcription)
	}
	if result.Reply != "Booth A12 is near the east entrance." {
		t.Errorf("Unexpected reply %q", result.Reply)
	}
	if result.Audio == nil || result.Audio.Empty() {
		t.Error("Expected synthesized audio")
	}
	if result.PlaybackItemID != "item-1" {
		t.Errorf("Expected playback handoff, got %q", result.PlaybackItemID)
	}
	if result.ConversationID != "c1" {
		t.Errorf("Expected conversation id preserved, got %q", result.ConversationID)
	}

	if len(sink.blobs) != 1 {
		t.Errorf("Expected one blob handed to playback, got %d", len(sink.blobs))
	}

	if result.ASRLatency <= 0 || result.GenLatency <= 0 || result.TTSLatency <= 0 {
		t.Error("Expected per-step latencies recorded")
	}
	if result.TotalLatency < result.ASRLatency {
		t.Error("Expected total latency to cover all steps")
	}

	if got := orchestrator.Phase(); got != PhaseCompleted {
		t.Errorf("Expected completed phase, got %s", got)
	}
}

func TestRunShortTranscription(t *testing.T) {
	fixture := newFixture(t)
	fixture.transcription = "a" // below the two character minimum
	sink := &fakeSink{}
	orchestrator := newTestOrchestrator(t, fixture, sink)

	result := orchestrator.Run(context.Background(), testBlob(t), TurnOptions{})
	if result.Err == nil {
		t.Fatal("Expected EmptyTranscription failure")
	}

	var fault *faults.Error
	if !errors.As(result.Err, &fault) || fault.Code != CodeEmptyTranscription {
		t.Errorf("Expected %s fault, got %v", CodeEmptyTranscription, result.Err)
	}

	if len(sink.blobs) != 0 {
		t.Error("Expected no playback handoff on failure")
	}
	if got := orchestrator.Phase(); got != PhaseError {
		t.Errorf("Expected error phase, got %s", got)
	}
}

// A generation failure keeps the transcription for display.
func TestRunEmptyGenerationKeepsPartialResult(t *testing.T) {
	fixture := newFixture(t)
	fixture.reply = "   "
	sink := &fakeSink{}
	orchestrator := newTestOrchestrator(t, fixture, sink)

	result := orchestrator.Run(context.Background(), testBlob(t), TurnOptions{})
	if result.Err == nil {
		t.Fatal("Expected EmptyGeneration failure")
	}

	var fault *faults.Error
	if !errors.As(result.Err, &fault) || fault.Code != CodeEmptyGeneration {
		t.Errorf("Expected %s fault, got %v", CodeEmptyGeneration, result.Err)
	}

	if result.Transcription != "where is booth A12" {
		t.Errorf("Expected partial transcription retained, got %q", result.Transcription)
	}
	if result.ASRLatency <= 0 {
		t.Error("Expected ASR latency recorded despite later failure")
	}
}

func TestRunEmptySynthesis(t *testing.T) {
	fixture := newFixture(t)
	fixture.synthesized = nil
	sink := &fakeSink{}
	orchestrator := newTestOrchestrator(t, fixture, sink)

	result := orchestrator.Run(context.Background(), testBlob(t), TurnOptions{})
	if result.Err == nil {
		t.Fatal("Expected EmptySynthesis failure")
	}

	var fault *faults.Error
	if !errors.As(result.Err, &fault) || fault.Code != CodeEmptySynthesis {
		t.Errorf("Expected %s fault, got %v", CodeEmptySynthesis, result.Err)
	}

	// Everything before synthesis survives
	if result.Transcription == "" || result.Reply == "" {
		t.Error("Expected partial results retained")
	}
}

func TestRunPromotionIDFromGeneration(t *testing.T) {
	fixture := newFixture(t)
	sink := &fakeSink{}

	// Replace the generation server with one assigning a conversation id
	fixture.gen.Close()
	fixture.gen = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}],"conversation_id":"srv-9"}`, fixture.reply)
	}))
	t.Cleanup(fixture.gen.Close)

	orchestrator := newTestOrchestrator(t, fixture, sink)

	result := orchestrator.Run(context.Background(), testBlob(t), TurnOptions{ConversationID: "temp-1"})
	if result.Err != nil {
		t.Fatalf("Unexpected error: %v", result.Err)
	}

	if result.ConversationID != "srv-9" {
		t.Errorf("Expected server-assigned id srv-9, got %q", result.ConversationID)
	}
}

func TestRunStats(t *testing.T) {
	fixture := newFixture(t)
	sink := &fakeSink{}
	orchestrator := newTestOrchestrator(t, fixture, sink)

	orchestrator.Run(context.Background(), testBlob(t), TurnOptions{})

	fixture.transcription = ""
	orchestrator.Run(context.Background(), testBlob(t), TurnOptions{})

	stats := orchestrator.GetStats()
	if stats.TotalTurns != 2 {
		t.Errorf("Expected 2 turns, got %d", stats.TotalTurns)
	}
	if stats.FailedTurns != 1 {
		t.Errorf("Expected 1 failed turn, got %d", stats.FailedTurns)
	}

	last := orchestrator.LastResult()
	if last == nil || last.Err == nil {
		t.Error("Expected last result to carry the failure")
	}
}
