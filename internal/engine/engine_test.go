package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/audio"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/config"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/conversation"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/pipeline"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/playback"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// speechFrame returns one sampler window of a square wave loud enough for
// the detector to classify as speech
func speechFrame(n int) []int16 {
	frame := make([]int16, n)
	for i := range frame {
		if (i/10)%2 == 0 {
			frame[i] = 20000
		} else {
			frame[i] = -20000
		}
	}
	return frame
}

// fakeDevice stands in for the microphone
type fakeDevice struct {
	mu       sync.Mutex
	onFrames func(samples []int16)
	started  bool
}

func (d *fakeDevice) Start(onFrames func(samples []int16)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFrames = onFrames
	d.started = true
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *fakeDevice) push(samples []int16) {
	d.mu.Lock()
	fn := d.onFrames
	started := d.started
	d.mu.Unlock()

	if started && fn != nil {
		fn(samples)
	}
}

// fakePlayer stands in for the speaker
type fakePlayer struct {
	mu    sync.Mutex
	opens int
}

func (p *fakePlayer) Open(blob *audio.Blob) (playback.Track, error) {
	p.mu.Lock()
	p.opens++
	p.mu.Unlock()
	return &fakeTrack{duration: blob.Duration}, nil
}

type fakeTrack struct {
	duration time.Duration
	complete func()
}

func (t *fakeTrack) Play() error              { return nil }
func (t *fakeTrack) Pause() error             { return nil }
func (t *fakeTrack) Stop() error              { return nil }
func (t *fakeTrack) Seek(time.Duration) error { return nil }
func (t *fakeTrack) SetVolume(float64) error  { return nil }
func (t *fakeTrack) SetRate(float64) error    { return nil }
func (t *fakeTrack) Duration() time.Duration  { return t.duration }
func (t *fakeTrack) Position() time.Duration  { return 0 }
func (t *fakeTrack) OnComplete(fn func())     { t.complete = fn }
func (t *fakeTrack) Close() error             { return nil }

// testBackends runs mock collaborator servers for a full engine
type testBackends struct {
	transcription string
	reply         string
	replyConvID   string

	asr           *httptest.Server
	gen           *httptest.Server
	tts           *httptest.Server
	conversations *httptest.Server
}

func newBackends(t *testing.T) *testBackends {
	t.Helper()

	wav, err := audio.EncodeWAV(make([]int16, 1600), 16000)
	if err != nil {
		t.Fatalf("Failed to encode fixture audio: %v", err)
	}

	b := &testBackends{
		transcription: "where is booth A12",
		reply:         "Booth A12 is near the east entrance.",
		replyConvID:   "srv-1",
	}

	b.asr = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		json.NewEncoder(w).Encode(pipeline.Transcription{Text: b.transcription, Language: "en"})
	}))
	t.Cleanup(b.asr.Close)

	b.gen = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}],"conversation_id":%q}`,
			b.reply, b.replyConvID)
	}))
	t.Cleanup(b.gen.Close)

	b.tts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			return
		}
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(wav)
	}))
	t.Cleanup(b.tts.Close)

	b.conversations = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/conversations":
			json.NewEncoder(w).Encode(conversation.ListResult{
				Conversations: []conversation.Conversation{{ID: "c1", Title: "Directions"}},
				Total:         1,
			})
		default:
			// Unknown conversations have no remote detail yet
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(b.conversations.Close)

	return b
}

func newTestEngine(t *testing.T, b *testBackends) (*Engine, *fakeDevice) {
	t.Helper()

	cfg := &config.Config{}
	cfg.ApplyDefaults()

	cfg.Audio.SampleRate = 16000
	cfg.Audio.FrameIntervalMs = 5
	cfg.Audio.SpectrumBins = 8
	cfg.VAD.SilenceThreshold = 10
	cfg.VAD.SilenceTimeoutMs = 60
	cfg.VAD.NoSpeechTimeoutMs = 2000
	cfg.Recording.MaxDurationS = 60
	cfg.Playback.Autoplay = true
	cfg.Cache.Path = filepath.Join(t.TempDir(), "conversations.db")
	cfg.Collaborators.ASR.Endpoint = b.asr.URL
	cfg.Collaborators.Generation.Endpoint = b.gen.URL
	cfg.Collaborators.TTS.Endpoint = b.tts.URL
	cfg.Collaborators.Conversations.Endpoint = b.conversations.URL

	device := &fakeDevice{}
	engine, err := New(cfg, device, &fakePlayer{}, nil, testLogger())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(engine.Dispose)

	return engine, device
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestEngineTurnRecordsExchange(t *testing.T) {
	backends := newBackends(t)
	engine, device := newTestEngine(t, backends)

	if err := engine.StartRecording(context.Background()); err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}

	device.push(speechFrame(800))

	blob, err := engine.StopRecording()
	if err != nil {
		t.Fatalf("Failed to stop recording: %v", err)
	}

	result := engine.RunTurn(context.Background(), blob)
	if result.Err != nil {
		t.Fatalf("Turn failed: %v", result.Err)
	}

	if result.Reply != backends.reply {
		t.Errorf("Unexpected reply %q", result.Reply)
	}

	// The generator assigned a real id, so the temporary conversation was
	// promoted and the exchange recorded under it
	if got := engine.switcher.ActiveID(); got != "srv-1" {
		t.Errorf("Expected active conversation srv-1, got %q", got)
	}

	loaded := engine.Conversation(context.Background(), "srv-1", 0, 0)
	if loaded.Conversation == nil {
		t.Fatal("Expected recorded conversation")
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("Expected user and assistant messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Role != conversation.RoleUser ||
		loaded.Messages[0].Text != backends.transcription {
		t.Errorf("Unexpected user message %+v", loaded.Messages[0])
	}
	if loaded.Messages[1].Role != conversation.RoleAssistant ||
		loaded.Messages[1].Text != backends.reply {
		t.Errorf("Unexpected assistant message %+v", loaded.Messages[1])
	}

	if items := engine.Queue().Items(); len(items) != 1 {
		t.Errorf("Expected one playback item, got %d", len(items))
	}
}

func TestEngineAutoStopRunsTurn(t *testing.T) {
	backends := newBackends(t)
	engine, device := newTestEngine(t, backends)

	if err := engine.StartRecording(context.Background()); err != nil {
		t.Fatalf("Failed to start recording: %v", err)
	}

	// Speech followed by sustained silence trips the detector
	done := make(chan struct{})
	defer close(done)
	go func() {
		loud := speechFrame(80)
		quiet := make([]int16, 80)

		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}

			if i < 20 {
				device.push(loud)
			} else {
				device.push(quiet)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	waitFor(t, 5*time.Second, func() bool {
		return engine.GetStats().Orchestrator.TotalTurns >= 1
	})

	waitFor(t, 2*time.Second, func() bool {
		return len(engine.Queue().Items()) == 1 && !engine.TurnActive()
	})
}

func TestEngineConversationListing(t *testing.T) {
	backends := newBackends(t)
	engine, _ := newTestEngine(t, backends)

	list, err := engine.Conversations(context.Background(), conversation.ListOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Failed to list conversations: %v", err)
	}

	if list.Total != 1 || len(list.Conversations) != 1 {
		t.Fatalf("Unexpected listing %+v", list)
	}
	if list.Conversations[0].ID != "c1" {
		t.Errorf("Unexpected conversation %+v", list.Conversations[0])
	}
}

func TestEngineHealth(t *testing.T) {
	backends := newBackends(t)
	engine, _ := newTestEngine(t, backends)

	health := engine.CheckHealth(context.Background())
	if health.ASR != "ok" || health.Generation != "ok" || health.TTS != "ok" {
		t.Errorf("Expected healthy collaborators, got %+v", health)
	}
}

func TestEngineSnapshotIdle(t *testing.T) {
	backends := newBackends(t)
	engine, _ := newTestEngine(t, backends)

	snapshot := engine.GetSnapshot()
	if snapshot.Recording.Phase != "idle" {
		t.Errorf("Expected idle recording, got %s", snapshot.Recording.Phase)
	}
	if snapshot.PipelinePhase != pipeline.PhaseIdle {
		t.Errorf("Expected idle pipeline, got %s", snapshot.PipelinePhase)
	}
	if snapshot.ActiveConversationID != "" {
		t.Errorf("Expected no active conversation, got %q", snapshot.ActiveConversationID)
	}
}

func TestEngineNewConversation(t *testing.T) {
	backends := newBackends(t)
	engine, _ := newTestEngine(t, backends)

	conv := engine.NewConversation("Scratch")
	if conv == nil || conv.ID == "" || !conv.IsTemporary {
		t.Fatalf("Expected temporary conversation, got %+v", conv)
	}

	if got := engine.switcher.ActiveID(); got != conv.ID {
		t.Errorf("Expected temporary to be active, got %q", got)
	}
}
