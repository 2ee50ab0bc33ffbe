package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
)

// Phase is the orchestrator's position in the voice turn pipeline
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseASR          Phase = "asr"
	PhaseGenerating   Phase = "generating"
	PhaseSynthesizing Phase = "synthesizing"
	PhasePlaying      Phase = "playing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// Step error codes
const (
	CodeEmptyTranscription = "empty-transcription"
	CodeEmptyGeneration    = "empty-generation"
	CodeEmptySynthesis     = "empty-synthesis"
)

// Sink receives the synthesized reply audio on pipeline success
type Sink interface {
	Enqueue(blob *audio.Blob, conversationID string) (string, error)
}

// TurnOptions carries per-turn context into the pipeline
type TurnOptions struct {
	History        []ChatMessage
	ConversationID string
	Language       string
}

// TurnResult is the outcome of one voice turn. On failure, fields produced
// before the failing step are still populated so callers can display
// partial progress.
type TurnResult struct {
	Transcription  string        `json:"transcription,omitempty"`
	Language       string        `json:"language,omitempty"`
	Reply          string        `json:"reply,omitempty"`
	Audio          *audio.Blob   `json:"-"`
	ConversationID string        `json:"conversation_id,omitempty"`
	PlaybackItemID string        `json:"playback_item_id,omitempty"`
	ASRLatency     time.Duration `json:"asr_latency"`
	GenLatency     time.Duration `json:"gen_latency"`
	TTSLatency     time.Duration `json:"tts_latency"`
	TotalLatency   time.Duration `json:"total_latency"`
	Err            error         `json:"-"`
}

// Orchestrator drives one voice turn through recognition, generation, and
// synthesis, handing the reply audio to the playback sink. A step failure
// aborts the remaining steps and keeps the partial results.
type Orchestrator struct {
	asr    *ASRClient
	gen    *GenerationClient
	tts    *TTSClient
	sink   Sink
	logger *slog.Logger

	phase      Phase
	lastResult *TurnResult

	// Statistics
	totalTurns  uint64
	failedTurns uint64

	mu sync.Mutex
}

// OrchestratorStats represents orchestrator counters
type OrchestratorStats struct {
	Phase       Phase  `json:"phase"`
	TotalTurns  uint64 `json:"total_turns"`
	FailedTurns uint64 `json:"failed_turns"`
}

// NewOrchestrator creates a pipeline orchestrator over the three
// collaborator clients and a playback sink
func NewOrchestrator(asr *ASRClient, gen *GenerationClient, tts *TTSClient, sink Sink, logger *slog.Logger) (*Orchestrator, error) {
	if asr == nil || gen == nil || tts == nil {
		return nil, fmt.Errorf("all collaborator clients are required")
	}

	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		asr:    asr,
		gen:    gen,
		tts:    tts,
		sink:   sink,
		logger: logger,
		phase:  PhaseIdle,
	}, nil
}

// Run executes one voice turn. The returned result always carries Err on
// failure alongside whatever steps completed.
func (o *Orchestrator) Run(ctx context.Context, blob *audio.Blob, opts TurnOptions) *TurnResult {
	start := time.Now()
	result := &TurnResult{ConversationID: opts.ConversationID}

	o.mu.Lock()
	o.totalTurns++
	o.mu.Unlock()

	// Recognition
	o.setPhase(PhaseASR)
	stepStart := time.Now()
	transcription, err := o.asr.Transcribe(ctx, blob, opts.Language)
	result.ASRLatency = time.Since(stepStart)
	if err != nil {
		return o.fail(result, start, faults.Transport("asr-failed", "speech recognition failed", err))
	}

	result.Transcription = strings.TrimSpace(transcription.Text)
	result.Language = transcription.Language

	if utf8.RuneCountInString(result.Transcription) < 2 {
		return o.fail(result, start,
			faults.Step(CodeEmptyTranscription, "no usable speech was recognized"))
	}

	// Generation
	o.setPhase(PhaseGenerating)
	stepStart = time.Now()
	generation, err := o.gen.Generate(ctx, GenerateRequest{
		Text:           result.Transcription,
		History:        opts.History,
		ConversationID: opts.ConversationID,
		Language:       result.Language,
	})
	result.GenLatency = time.Since(stepStart)
	if err != nil {
		return o.fail(result, start, faults.Transport("generation-failed", "reply generation failed", err))
	}

	result.Reply = strings.TrimSpace(generation.Reply)
	if generation.ConversationID != "" {
		result.ConversationID = generation.ConversationID
	}

	if result.Reply == "" {
		return o.fail(result, start,
			faults.Step(CodeEmptyGeneration, "the generator returned an empty reply"))
	}

	// Synthesis
	o.setPhase(PhaseSynthesizing)
	stepStart = time.Now()
	replyAudio, err := o.tts.Synthesize(ctx, result.Reply, result.Language)
	result.TTSLatency = time.Since(stepStart)
	if err != nil {
		return o.fail(result, start, faults.Transport("tts-failed", "speech synthesis failed", err))
	}

	if replyAudio.Empty() {
		return o.fail(result, start,
			faults.Step(CodeEmptySynthesis, "the synthesizer returned no audio"))
	}
	result.Audio = replyAudio

	// Hand off to playback
	o.setPhase(PhasePlaying)
	itemID, err := o.sink.Enqueue(replyAudio, result.ConversationID)
	if err != nil {
		return o.fail(result, start, fmt.Errorf("failed to enqueue reply audio: %w", err))
	}
	result.PlaybackItemID = itemID

	result.TotalLatency = time.Since(start)
	o.setPhase(PhaseCompleted)

	o.mu.Lock()
	o.lastResult = result
	o.mu.Unlock()

	o.logger.Info("Voice turn completed",
		slog.Duration("asr", result.ASRLatency),
		slog.Duration("generation", result.GenLatency),
		slog.Duration("synthesis", result.TTSLatency),
		slog.Duration("total", result.TotalLatency))

	return result
}

// fail records a step failure, keeping the partial results for display
func (o *Orchestrator) fail(result *TurnResult, start time.Time, err error) *TurnResult {
	result.Err = err
	result.TotalLatency = time.Since(start)

	o.setPhase(PhaseError)

	o.mu.Lock()
	o.failedTurns++
	o.lastResult = result
	o.mu.Unlock()

	o.logger.Warn("Voice turn failed",
		slog.String("error", err.Error()),
		slog.String("transcription", result.Transcription),
		slog.Duration("total", result.TotalLatency))

	return result
}

// Phase returns the orchestrator's current phase
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// LastResult returns the most recent turn result, if any
func (o *Orchestrator) LastResult() *TurnResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// GetStats returns orchestrator counters
func (o *Orchestrator) GetStats() OrchestratorStats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return OrchestratorStats{
		Phase:       o.phase,
		TotalTurns:  o.totalTurns,
		FailedTurns: o.failedTurns,
	}
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()
}
