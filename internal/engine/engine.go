package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/config"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/conversation"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/faults"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/metrics"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/pipeline"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/playback"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/recording"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/vad"
)

// historyLimit bounds how many prior messages accompany a generation request
const historyLimit = 10

// Engine aggregates the recording session, voice turn pipeline, playback
// queue, and conversation cache behind one lifecycle. It is constructed once
// at startup and disposed once at shutdown.
type Engine struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store    *conversation.Store
	remote   *conversation.Client
	cache    *conversation.Cache
	switcher *conversation.Switcher
	queue    *playback.Queue

	asr          *pipeline.ASRClient
	gen          *pipeline.GenerationClient
	tts          *pipeline.TTSClient
	orchestrator *pipeline.Orchestrator

	session *recording.Session

	lastSwitch *conversation.SwitchEvent
	turnActive bool

	mu sync.Mutex
}

// Snapshot is a point-in-time view of the engine for UI binding
type Snapshot struct {
	Recording            recording.State      `json:"recording"`
	PipelinePhase        pipeline.Phase       `json:"pipeline_phase"`
	ActiveConversationID string               `json:"active_conversation_id,omitempty"`
	Switching            bool                 `json:"switching"`
	PlaybackItems        []playback.Item      `json:"playback_items"`
	LastTurn             *pipeline.TurnResult `json:"last_turn,omitempty"`
	LastError            string               `json:"last_error,omitempty"`
	Retryable            bool                 `json:"retryable"`

	LastSwitch *conversation.SwitchEvent `json:"last_switch,omitempty"`
}

// Stats aggregates the counters of every engine component
type Stats struct {
	Recording    recording.SessionStats         `json:"recording"`
	Orchestrator pipeline.OrchestratorStats     `json:"orchestrator"`
	Cache        conversation.CacheStats        `json:"cache"`
	Switcher     conversation.SwitcherStats     `json:"switcher"`
	Queue        playback.QueueStats            `json:"queue"`
	Remote       conversation.RemoteClientStats `json:"remote"`
	ASR          pipeline.CallerStats           `json:"asr"`
	Generation   pipeline.CallerStats           `json:"generation"`
	TTS          pipeline.CallerStats           `json:"tts"`
}

// Health reports per-collaborator reachability
type Health struct {
	ASR        string `json:"asr"`
	Generation string `json:"generation"`
	TTS        string `json:"tts"`
}

// New builds the engine from configuration. The capture device and playback
// player are injected so hardware can be replaced in tests; pass nil for
// either to use the default audio devices.
func New(cfg *config.Config, device audio.Device, player playback.Player, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if device == nil {
		device = audio.NewCaptureDevice(cfg.Audio.SampleRate)
	}

	if player == nil {
		player = playback.NewDevicePlayer()
	}

	e := &Engine{
		config:  cfg,
		logger:  logger,
		metrics: m,
	}

	// A nil *metrics.Metrics must stay a nil Recorder interface
	var recorder conversation.Recorder
	if m != nil {
		recorder = m
	}

	store, err := conversation.NewStore(conversation.StoreConfig{
		Path:            cfg.Cache.Path,
		Capacity:        cfg.Cache.Capacity,
		KeepCount:       cfg.Cache.KeepCount,
		ForcedKeepCount: cfg.Cache.ForcedKeepCount,
		Metrics:         recorder,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation store: %w", err)
	}
	e.store = store

	remote, err := conversation.NewClient(conversation.ClientConfig{
		Endpoint:   cfg.Collaborators.Conversations.Endpoint,
		Timeout:    time.Duration(cfg.Collaborators.Conversations.Timeout) * time.Second,
		MaxRetries: cfg.Collaborators.Conversations.MaxRetries,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create conversation client: %w", err)
	}
	e.remote = remote

	cache, err := conversation.NewCache(conversation.CacheConfig{
		RefreshDelay:       cfg.Cache.GetRefreshDelay(),
		DurableFreshNormal: cfg.Cache.GetDurableFreshNormal(),
		DurableFreshHigh:   cfg.Cache.GetDurableFreshHigh(),
		Metrics:            recorder,
	}, store, remote, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create conversation cache: %w", err)
	}
	e.cache = cache

	switcher, err := conversation.NewSwitcher(conversation.SwitcherConfig{
		Debounce: cfg.Switcher.GetDebounce(),
		Metrics:  recorder,
	}, cache, e.onSwitchEvent, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create switcher: %w", err)
	}
	e.switcher = switcher

	queue, err := playback.NewQueue(playback.Config{
		Autoplay:  cfg.Playback.Autoplay,
		QueueMode: cfg.Playback.QueueMode,
		Volume:    cfg.Playback.Volume,
		Rate:      cfg.Playback.Rate,
	}, player, nil, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create playback queue: %w", err)
	}
	e.queue = queue

	if err := e.buildPipeline(cfg); err != nil {
		queue.Dispose()
		cache.Dispose()
		store.Close()
		return nil, err
	}

	session, err := recording.NewSession(recording.Config{
		SampleRate:    cfg.Audio.SampleRate,
		FrameInterval: cfg.Audio.GetFrameInterval(),
		SpectrumBins:  cfg.Audio.SpectrumBins,
		MaxDuration:   cfg.Recording.GetMaxDuration(),
		VAD: vad.Config{
			SilenceThreshold: cfg.VAD.SilenceThreshold,
			SilenceTimeout:   cfg.VAD.GetSilenceTimeout(),
			NoSpeechTimeout:  cfg.VAD.GetNoSpeechTimeout(),
		},
	}, device, recording.Events{
		OnSpeechEnd: e.onSpeechEnd,
		OnAutoStop:  e.onAutoStop,
	}, logger)
	if err != nil {
		queue.Dispose()
		cache.Dispose()
		store.Close()
		return nil, fmt.Errorf("failed to create recording session: %w", err)
	}
	e.session = session

	return e, nil
}

func (e *Engine) buildPipeline(cfg *config.Config) error {
	asr, err := pipeline.NewASRClient(pipeline.ASRConfig{
		Endpoint:   cfg.Collaborators.ASR.Endpoint,
		Language:   cfg.Collaborators.ASR.Language,
		Timeout:    time.Duration(cfg.Collaborators.ASR.Timeout) * time.Second,
		MaxRetries: cfg.Collaborators.ASR.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create recognition client: %w", err)
	}
	e.asr = asr

	gen, err := pipeline.NewGenerationClient(pipeline.GenerationConfig{
		Endpoint:   cfg.Collaborators.Generation.Endpoint,
		Model:      cfg.Collaborators.Generation.Model,
		MaxTokens:  cfg.Collaborators.Generation.MaxTokens,
		Timeout:    time.Duration(cfg.Collaborators.Generation.Timeout) * time.Second,
		MaxRetries: cfg.Collaborators.Generation.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create generation client: %w", err)
	}
	e.gen = gen

	tts, err := pipeline.NewTTSClient(pipeline.TTSConfig{
		Endpoint:   cfg.Collaborators.TTS.Endpoint,
		Language:   cfg.Collaborators.TTS.Language,
		Voice:      cfg.Collaborators.TTS.Voice,
		Speed:      cfg.Collaborators.TTS.Speed,
		Format:     cfg.Collaborators.TTS.Format,
		Timeout:    time.Duration(cfg.Collaborators.TTS.Timeout) * time.Second,
		MaxRetries: cfg.Collaborators.TTS.MaxRetries,
	})
	if err != nil {
		return fmt.Errorf("failed to create synthesis client: %w", err)
	}
	e.tts = tts

	orchestrator, err := pipeline.NewOrchestrator(asr, gen, tts,
		&queueSink{queue: e.queue, metrics: e.metrics}, e.logger)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	e.orchestrator = orchestrator

	return nil
}

// StartRecording begins capturing microphone audio
func (e *Engine) StartRecording(ctx context.Context) error {
	if err := e.session.Start(ctx); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.RecordRecordingStarted()
	}
	return nil
}

// StopRecording ends the active recording and returns the captured audio
// without running a voice turn
func (e *Engine) StopRecording() (*audio.Blob, error) {
	blob, err := e.session.Stop()
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordRecordingStopped(blob.Duration.Seconds())
	}
	return blob, nil
}

// EndTurn stops the active recording and runs the captured audio through a
// full voice turn
func (e *Engine) EndTurn(ctx context.Context) (*pipeline.TurnResult, error) {
	blob, err := e.StopRecording()
	if err != nil {
		return nil, err
	}
	return e.RunTurn(ctx, blob), nil
}

// RunTurn drives one captured utterance through recognition, generation,
// and synthesis, then appends the exchange to the active conversation. On
// failure the returned result carries the error alongside whatever steps
// completed.
func (e *Engine) RunTurn(ctx context.Context, blob *audio.Blob) *pipeline.TurnResult {
	e.mu.Lock()
	e.turnActive = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.turnActive = false
		e.mu.Unlock()
	}()

	if e.metrics != nil {
		e.metrics.RecordTurnStarted()
	}

	activeID := e.switcher.ActiveID()
	history, remoteID := e.turnContext(ctx, activeID)

	result := e.orchestrator.Run(ctx, blob, pipeline.TurnOptions{
		History:        history,
		ConversationID: remoteID,
		Language:       e.config.Collaborators.ASR.Language,
	})

	if result.Err != nil {
		if e.metrics != nil {
			e.metrics.RecordTurnFailed()
		}
		return result
	}

	if e.metrics != nil {
		e.metrics.RecordTurnCompleted(
			result.ASRLatency.Seconds(),
			result.GenLatency.Seconds(),
			result.TTSLatency.Seconds(),
			result.TotalLatency.Seconds())
	}

	e.recordExchange(ctx, activeID, result)
	return result
}

// turnContext resolves the generation history and the conversation id to
// send upstream. Temporary conversations have no remote id yet, so the
// generator is left to assign one.
func (e *Engine) turnContext(ctx context.Context, activeID string) ([]pipeline.ChatMessage, string) {
	if activeID == "" {
		return nil, ""
	}

	remoteID := activeID
	if _, temporary := e.switcher.Temporary(activeID); temporary {
		remoteID = ""
	}

	result := e.cache.Get(ctx, activeID, conversation.GetOptions{
		Limit:    historyLimit,
		Priority: conversation.PriorityHigh,
	})
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(string(result.Source))
	}

	history := make([]pipeline.ChatMessage, 0, len(result.Messages))
	for _, msg := range result.Messages {
		history = append(history, pipeline.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Text,
		})
	}
	return history, remoteID
}

// recordExchange appends the user and assistant messages to the active
// conversation, promoting a temporary conversation when the generator
// assigned it a real id
func (e *Engine) recordExchange(ctx context.Context, activeID string, result *pipeline.TurnResult) {
	now := time.Now()

	if activeID == "" {
		conv := e.switcher.NewTemporary(turnTitle(result.Transcription))
		activeID = conv.ID
	}

	if _, temporary := e.switcher.Temporary(activeID); temporary &&
		result.ConversationID != "" && result.ConversationID != activeID {
		if err := e.switcher.PromoteTemporary(activeID, result.ConversationID, turnTitle(result.Transcription)); err != nil {
			e.logger.Warn("Failed to promote temporary conversation",
				slog.String("temp_id", activeID),
				slog.String("error", err.Error()))
		} else {
			activeID = result.ConversationID
		}
	}

	snapshot := e.cache.Get(ctx, activeID, conversation.GetOptions{Priority: conversation.PriorityHigh})

	conv := conversation.Conversation{ID: activeID, CreatedAt: now}
	messages := snapshot.Messages
	if snapshot.Conversation != nil {
		conv = *snapshot.Conversation
	}
	if conv.Title == "" {
		conv.Title = turnTitle(result.Transcription)
	}

	messages = append(messages,
		conversation.Message{
			ID:             uuid.NewString(),
			Role:           conversation.RoleUser,
			Text:           result.Transcription,
			CreatedAt:      now,
			ConversationID: activeID,
		},
		conversation.Message{
			ID:             uuid.NewString(),
			Role:           conversation.RoleAssistant,
			Text:           result.Reply,
			CreatedAt:      now,
			ConversationID: activeID,
		})

	conv.UpdatedAt = now
	conv.MessageCount = len(messages)

	e.cache.Put(activeID, conv, messages)
}

// turnTitle derives a conversation title from the first utterance
func turnTitle(transcription string) string {
	const maxTitle = 24

	runes := []rune(transcription)
	if len(runes) <= maxTitle {
		return transcription
	}
	return string(runes[:maxTitle])
}

// SelectConversation switches the active conversation
func (e *Engine) SelectConversation(id string) {
	e.switcher.Select(id)
}

// NewConversation activates a fresh temporary conversation
func (e *Engine) NewConversation(title string) *conversation.Conversation {
	return e.switcher.NewTemporary(title)
}

// Conversation loads one conversation through the cache
func (e *Engine) Conversation(ctx context.Context, id string, limit, offset int) conversation.Result {
	result := e.cache.Get(ctx, id, conversation.GetOptions{
		Limit:    limit,
		Offset:   offset,
		Priority: conversation.PriorityNormal,
	})
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(string(result.Source))
	}
	return result
}

// Conversations lists conversations from the remote backend
func (e *Engine) Conversations(ctx context.Context, opts conversation.ListOptions) (*conversation.ListResult, error) {
	return e.remote.List(ctx, opts)
}

// DeleteConversation removes a conversation remotely and from both cache
// tiers
func (e *Engine) DeleteConversation(ctx context.Context, id string, hard bool) error {
	if err := e.remote.Delete(ctx, id, hard); err != nil {
		return err
	}

	e.cache.Invalidate(id)
	return nil
}

// Queue exposes the playback queue for transport control
func (e *Engine) Queue() *playback.Queue {
	return e.queue
}

// Voices lists the synthesizer's available voices
func (e *Engine) Voices(ctx context.Context) []pipeline.Voice {
	return e.tts.Voices(ctx)
}

// CheckHealth probes each collaborator, reporting "ok" or the probe error
func (e *Engine) CheckHealth(ctx context.Context) Health {
	probe := func(err error) string {
		if err != nil {
			return err.Error()
		}
		return "ok"
	}

	return Health{
		ASR:        probe(e.asr.Health(ctx)),
		Generation: probe(e.gen.Health(ctx)),
		TTS:        probe(e.tts.Health(ctx)),
	}
}

// GetSnapshot returns a point-in-time view of the engine for UI binding
func (e *Engine) GetSnapshot() Snapshot {
	snapshot := Snapshot{
		Recording:            e.session.State(),
		PipelinePhase:        e.orchestrator.Phase(),
		ActiveConversationID: e.switcher.ActiveID(),
		Switching:            e.switcher.Switching(),
		PlaybackItems:        e.queue.Items(),
		LastTurn:             e.orchestrator.LastResult(),
	}

	if snapshot.LastTurn != nil && snapshot.LastTurn.Err != nil {
		snapshot.LastError = snapshot.LastTurn.Err.Error()
		snapshot.Retryable = faults.CanRetry(snapshot.LastTurn.Err)
	}

	e.mu.Lock()
	snapshot.LastSwitch = e.lastSwitch
	e.mu.Unlock()

	return snapshot
}

// GetStats aggregates every component's counters
func (e *Engine) GetStats() Stats {
	return Stats{
		Recording:    e.session.GetStats(),
		Orchestrator: e.orchestrator.GetStats(),
		Cache:        e.cache.GetStats(),
		Switcher:     e.switcher.GetStats(),
		Queue:        e.queue.GetStats(),
		Remote:       e.remote.GetStats(),
		ASR:          e.asr.GetStats(),
		Generation:   e.gen.GetStats(),
		TTS:          e.tts.GetStats(),
	}
}

// TurnActive reports whether a voice turn is in flight
func (e *Engine) TurnActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnActive
}

// Dispose releases every component. The engine cannot be reused afterwards.
func (e *Engine) Dispose() {
	if _, err := e.session.Stop(); err == nil {
		e.logger.Info("Stopped recording during shutdown")
	}

	e.queue.Dispose()
	e.cache.Dispose()

	if err := e.store.Close(); err != nil {
		e.logger.Warn("Failed to close conversation store",
			slog.String("error", err.Error()))
	}
}

// onSwitchEvent records switch outcomes and keeps the latest event for the
// state snapshot
func (e *Engine) onSwitchEvent(event conversation.SwitchEvent) {
	e.mu.Lock()
	e.lastSwitch = &event
	e.mu.Unlock()

	if event.Err != nil {
		e.logger.Warn("Conversation switch failed",
			slog.String("active_id", event.ActiveID),
			slog.String("error", event.Err.Error()))
	}
}

func (e *Engine) onSpeechEnd() {
	if e.metrics != nil {
		e.metrics.RecordSpeechSegment()
	}
}

// onAutoStop runs a voice turn when voice activity detection or the
// duration ceiling ended the recording with usable audio
func (e *Engine) onAutoStop(reason vad.StopReason, blob *audio.Blob, err error) {
	if e.metrics != nil {
		e.metrics.RecordAutoStop(string(reason))
	}

	if err != nil {
		e.logger.Warn("Automatic stop produced no audio",
			slog.String("reason", string(reason)),
			slog.String("error", err.Error()))
		return
	}

	if reason == vad.StopNoSpeechDetected || reason == recording.StopCanceled {
		return
	}

	if e.metrics != nil {
		e.metrics.RecordRecordingStopped(blob.Duration.Seconds())
	}

	go e.RunTurn(context.Background(), blob)
}

// queueSink adapts the playback queue to the pipeline's sink interface
type queueSink struct {
	queue   *playback.Queue
	metrics *metrics.Metrics
}

func (s *queueSink) Enqueue(blob *audio.Blob, conversationID string) (string, error) {
	id, err := s.queue.Enqueue(blob, playback.Meta{
		Title:          "Assistant reply",
		ConversationID: conversationID,
	})
	if err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordPlaybackItem(blob.Duration.Seconds())
	}
	return id, nil
}
