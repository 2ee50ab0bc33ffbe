package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/config"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/engine"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/metrics"
	"github.com/M4ORE/edgexpo-ai-assistant-x/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "edgexpo-ai-assistant"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("frame_interval_ms", cfg.Audio.FrameIntervalMs),
		slog.Float64("silence_threshold", cfg.VAD.SilenceThreshold),
		slog.Int("silence_timeout_ms", cfg.VAD.SilenceTimeoutMs),
		slog.Int("max_duration_s", cfg.Recording.MaxDurationS),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("asr_endpoint", cfg.Collaborators.ASR.Endpoint),
		slog.String("generation_endpoint", cfg.Collaborators.Generation.Endpoint),
		slog.String("tts_endpoint", cfg.Collaborators.TTS.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Build the session engine with the default audio devices
	eng, err := engine.New(cfg, nil, nil, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create session engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session engine initialized",
		slog.String("cache_path", cfg.Cache.Path),
		slog.Int("cache_capacity", cfg.Cache.Capacity),
	)

	// Initialize the control API server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, eng, appMetrics)
		logger.Info("Control API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)

		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start control API server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Probe collaborators once at startup so misconfiguration is visible
	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	health := eng.CheckHealth(probeCtx)
	probeCancel()
	logger.Info("Collaborator health",
		slog.String("asr", health.ASR),
		slog.String("generation", health.Generation),
		slog.String("tts", health.TTS),
	)

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop the control API first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping control API server", slog.String("error", err.Error()))
		}
	}

	// Release the engine: recording, playback, cache, durable store
	eng.Dispose()

	// Get final statistics
	stats := eng.GetStats()
	logger.Info("Final engine statistics",
		slog.Uint64("recordings", stats.Recording.TotalSessions),
		slog.Uint64("turns", stats.Orchestrator.TotalTurns),
		slog.Uint64("failed_turns", stats.Orchestrator.FailedTurns),
		slog.Uint64("playback_items", stats.Queue.TotalEnqueued),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
