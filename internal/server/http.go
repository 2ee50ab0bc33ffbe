package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/config"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/conversation"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/engine"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/metrics"
)

// HTTPServer exposes the session engine over a local control API
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	engine  *engine.Engine
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the control API server over the engine
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, eng *engine.Engine, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    eng,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures the control API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/state", h.withMetrics("/state", h.handleState))

	mux.HandleFunc("/recording/start", h.withMetrics("/recording/start", h.handleRecordingStart))
	mux.HandleFunc("/recording/stop", h.withMetrics("/recording/stop", h.handleRecordingStop))

	mux.HandleFunc("/conversations", h.withMetrics("/conversations", h.handleConversations))
	mux.HandleFunc("/conversations/", h.withMetrics("/conversations/{id}", h.handleConversationDetail))
	mux.HandleFunc("/conversations/select", h.withMetrics("/conversations/select", h.handleConversationSelect))
	mux.HandleFunc("/conversations/new", h.withMetrics("/conversations/new", h.handleConversationNew))

	mux.HandleFunc("/playback", h.withMetrics("/playback", h.handlePlayback))
	mux.HandleFunc("/playback/", h.withMetrics("/playback/{action}", h.handlePlaybackAction))

	mux.HandleFunc("/voices", h.withMetrics("/voices", h.handleVoices))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Method, endpoint,
				strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting control API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping control API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	collaborators := h.engine.CheckHealth(r.Context())

	status := "healthy"
	if collaborators.ASR != "ok" || collaborators.Generation != "ok" || collaborators.TTS != "ok" {
		status = "degraded"
	}

	writeJSON(w, map[string]any{
		"status":        status,
		"timestamp":     time.Now().UTC(),
		"uptime":        time.Since(h.startTime).String(),
		"collaborators": collaborators,
	})
}

// handleState implements the /state endpoint for UI polling
func (h *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.engine.GetSnapshot())
}

// handleRecordingStart implements POST /recording/start
func (h *HTTPServer) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.engine.StartRecording(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, map[string]any{"recording": true})
}

// handleRecordingStop implements POST /recording/stop. The captured audio
// is run through a full voice turn and the outcome returned.
func (h *HTTPServer) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.engine.EndTurn(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	if result.Err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error":  result.Err.Error(),
			"result": result,
		})
		return
	}

	writeJSON(w, result)
}

// handleConversations implements GET /conversations
func (h *HTTPServer) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	limit, _ := strconv.Atoi(query.Get("limit"))

	list, err := h.engine.Conversations(r.Context(), conversation.ListOptions{
		Page:   page,
		Limit:  limit,
		Search: query.Get("search"),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, list)
}

// handleConversationDetail implements GET and DELETE on /conversations/{id}
func (h *HTTPServer) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/conversations/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Conversation ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))

		result := h.engine.Conversation(r.Context(), id, limit, offset)
		if result.Conversation == nil {
			http.Error(w, "Conversation not found", http.StatusNotFound)
			return
		}
		writeJSON(w, result)

	case http.MethodDelete:
		hard := r.URL.Query().Get("hard_delete") == "true"
		if err := h.engine.DeleteConversation(r.Context(), id, hard); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{"deleted": id})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConversationSelect implements POST /conversations/select
func (h *HTTPServer) handleConversationSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		http.Error(w, "Conversation ID required", http.StatusBadRequest)
		return
	}

	h.engine.SelectConversation(body.ID)
	writeJSON(w, map[string]any{"selected": body.ID})
}

// handleConversationNew implements POST /conversations/new
func (h *HTTPServer) handleConversationNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	conv := h.engine.NewConversation(body.Title)
	writeJSON(w, conv)
}

// handlePlayback implements GET /playback
func (h *HTTPServer) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"items": h.engine.Queue().Items(),
		"stats": h.engine.Queue().GetStats(),
	})
}

// handlePlaybackAction implements POST /playback/{action}
func (h *HTTPServer) handlePlaybackAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queue := h.engine.Queue()
	action := strings.TrimPrefix(r.URL.Path, "/playback/")

	var err error
	switch action {
	case "play":
		err = queue.Play()
	case "pause":
		err = queue.Pause()
	case "stop":
		err = queue.Stop()
	case "next":
		err = queue.Next()
	case "previous":
		err = queue.Previous()
	case "clear":
		queue.Clear()
	default:
		http.Error(w, "Unknown playback action", http.StatusNotFound)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, map[string]any{"action": action})
}

// handleVoices implements GET /voices
func (h *HTTPServer) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.engine.Voices(r.Context()))
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized view; collaborator credentials are intentionally omitted
	sanitized := map[string]any{
		"audio": map[string]any{
			"sample_rate":       h.config.Audio.SampleRate,
			"channels":          h.config.Audio.Channels,
			"bit_depth":         h.config.Audio.BitDepth,
			"frame_interval_ms": h.config.Audio.FrameIntervalMs,
			"spectrum_bins":     h.config.Audio.SpectrumBins,
		},
		"vad": map[string]any{
			"silence_threshold":    h.config.VAD.SilenceThreshold,
			"silence_timeout_ms":   h.config.VAD.SilenceTimeoutMs,
			"no_speech_timeout_ms": h.config.VAD.NoSpeechTimeoutMs,
		},
		"recording": map[string]any{
			"max_duration_s": h.config.Recording.MaxDurationS,
		},
		"playback": map[string]any{
			"autoplay":   h.config.Playback.Autoplay,
			"queue_mode": h.config.Playback.QueueMode,
			"volume":     h.config.Playback.Volume,
			"rate":       h.config.Playback.Rate,
		},
		"cache": map[string]any{
			"capacity":               h.config.Cache.Capacity,
			"keep_count":             h.config.Cache.KeepCount,
			"forced_keep_count":      h.config.Cache.ForcedKeepCount,
			"refresh_delay_s":        h.config.Cache.RefreshDelayS,
			"durable_fresh_normal_m": h.config.Cache.DurableFreshNormalM,
			"durable_fresh_high_m":   h.config.Cache.DurableFreshHighM,
		},
		"collaborators": map[string]any{
			"asr":           h.config.Collaborators.ASR.Endpoint,
			"generation":    h.config.Collaborators.Generation.Endpoint,
			"tts":           h.config.Collaborators.TTS.Endpoint,
			"conversations": h.config.Collaborators.Conversations.Endpoint,
		},
		"logging": map[string]any{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, sanitized)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]any{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"components": h.engine.GetStats(),
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "EdgExpo AI Assistant",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                      "API documentation",
			"GET /health":                "Engine and collaborator health",
			"GET /state":                 "Engine state snapshot for UI polling",
			"POST /recording/start":      "Start microphone capture",
			"POST /recording/stop":       "Stop capture and run a voice turn",
			"GET /conversations":         "List conversations",
			"GET /conversations/{id}":    "Load one conversation",
			"DELETE /conversations/{id}": "Delete a conversation",
			"POST /conversations/select": "Switch the active conversation",
			"POST /conversations/new":    "Start a new temporary conversation",
			"GET /playback":              "Playback queue contents",
			"POST /playback/{action}":    "Playback transport control",
			"GET /voices":                "Available synthesizer voices",
			"GET /config":                "Sanitized configuration",
			"GET /stats":                 "Component statistics",
			"GET /metrics":               "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
