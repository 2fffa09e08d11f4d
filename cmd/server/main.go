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

	"github.com/skypro1111/dialog-audio-service/internal/audio"
	"github.com/skypro1111/dialog-audio-service/internal/codec"
	"github.com/skypro1111/dialog-audio-service/internal/config"
	"github.com/skypro1111/dialog-audio-service/internal/forward"
	"github.com/skypro1111/dialog-audio-service/internal/metrics"
	"github.com/skypro1111/dialog-audio-service/internal/protocol"
	"github.com/skypro1111/dialog-audio-service/internal/segment"
	"github.com/skypro1111/dialog-audio-service/internal/server"
	"github.com/skypro1111/dialog-audio-service/internal/session"
	"github.com/skypro1111/dialog-audio-service/internal/storage"
	"github.com/skypro1111/dialog-audio-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "dialog-audio-service"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("max_concurrent_sessions", cfg.Server.MaxConcurrentSessions),
		slog.String("default_codec", cfg.Audio.DefaultCodec),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("recordings_dir", cfg.Storage.RecordingsDir),
		slog.Bool("raw_capture", cfg.Storage.RawCapture),
		slog.Bool("forward_enabled", cfg.Forward.Enabled),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Segments started without an explicit format resolve to this at finalize.
	segment.DefaultFormat = protocol.AudioFormat{
		Codec: cfg.Audio.DefaultCodec,
		Rate:  cfg.Audio.SampleRate,
		Ptime: cfg.Audio.PtimeMS,
	}

	capturesDir := ""
	if cfg.Storage.RawCapture {
		capturesDir = cfg.Storage.CapturesDir
	}
	store, err := storage.NewStore(cfg.Storage.RecordingsDir, capturesDir)
	if err != nil {
		logger.Error("Failed to create storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Recording storage initialized",
		slog.String("recordings_dir", cfg.Storage.RecordingsDir),
	)

	var transcriber *transcription.Client
	if cfg.Transcription.Enabled {
		transcriber, err = transcription.NewClient(transcription.Config{
			Endpoint:      cfg.Transcription.Endpoint,
			APIKey:        cfg.Transcription.APIKey,
			Model:         cfg.Transcription.Model,
			Timeout:       cfg.Transcription.GetTimeoutDuration(),
			MaxRetries:    cfg.Transcription.MaxRetries,
			MaxConcurrent: cfg.Transcription.MaxConcurrent,
			OutputFormat:  cfg.Transcription.OutputFormat,
		}, appMetrics)
		if err != nil {
			logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Transcription client initialized",
			slog.String("endpoint", cfg.Transcription.Endpoint),
		)
	}

	var forwarder *forward.Forwarder
	if cfg.Forward.Enabled {
		forwarder = forward.New(chunkConsumer(transcriber, logger),
			cfg.Forward.QueueSize, cfg.Forward.Workers, logger)
		go func() {
			if err := forwarder.Run(ctx); err != nil && err != context.Canceled {
				logger.Error("Forwarder stopped", slog.String("error", err.Error()))
			}
		}()
		logger.Info("Audio forwarder initialized",
			slog.Int("queue_size", cfg.Forward.QueueSize),
			slog.Int("workers", cfg.Forward.Workers),
		)
	}

	registry := session.NewRegistry(logger)
	dispatcher := session.NewDispatcher(registry, segment.Config{
		Store:      store,
		Logger:     logger,
		RawCapture: cfg.Storage.RawCapture,
	}, forwarder, appMetrics, logger)

	ingest := server.NewIngestServer(cfg.Server, dispatcher, logger, appMetrics)
	logger.Info("WebSocket ingest server initialized")

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg,
			registry, store, ingest, forwarder, transcriber, appMetrics)
		logger.Info("HTTP API server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	if err := ingest.Start(); err != nil {
		logger.Error("Failed to start ingest server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("ingest_address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP surface first, then the ingest server. Closing ingest
	// connections drives every live session through recovery finalize.
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := ingest.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping ingest server", slog.String("error", err.Error()))
	}

	// Stop forwarder workers and drain outstanding transcription requests.
	cancel()
	if transcriber != nil {
		if err := transcriber.Close(); err != nil {
			logger.Error("Error closing transcription client", slog.String("error", err.Error()))
		}
	}

	stats := ingest.GetStats()
	logger.Info("Final server statistics",
		slog.Uint64("total_connections", stats.TotalConnections),
		slog.Uint64("rejected_connections", stats.Rejected),
		slog.Int("active_sessions", registry.Count()),
	)

	logger.Info("Service stopped")
}

// chunkConsumer builds the forward tap consumer. With a transcription client
// configured, each forwarded chunk is transcoded to a small WAV and posted
// for near-live transcription; without one, chunks are only traced.
func chunkConsumer(transcriber *transcription.Client, logger *slog.Logger) forward.Consumer {
	return forward.ConsumerFunc(func(ctx context.Context, chunk *forward.Chunk) error {
		if transcriber == nil {
			logger.Debug("Forwarded chunk",
				slog.String("session_id", chunk.SessionID),
				slog.String("segment_id", chunk.SegmentID),
				slog.Uint64("seq", uint64(chunk.Seq)),
				slog.Int("payload_bytes", len(chunk.Payload)),
			)
			return nil
		}

		res := codec.Transcode(chunk.Codec, chunk.Payload)
		wav, err := audio.EncodePCM(res.Data, chunk.Rate, res.SampleWidth)
		if err != nil {
			return fmt.Errorf("failed to encode chunk audio: %w", err)
		}

		req := &transcription.Request{
			SessionID:   chunk.SessionID,
			SegmentID:   chunk.SegmentID,
			RequestID:   fmt.Sprintf("%s-%s-%d", chunk.SessionID, chunk.SegmentID, chunk.Seq),
			DialogID:    chunk.Dialog.ID,
			ANI:         chunk.Dialog.ANI,
			DNIS:        chunk.Dialog.DNIS,
			Language:    chunk.Dialog.Language,
			Participant: chunk.Participant.Type,
			Audio:       wav,
			Codec:       chunk.Codec,
			SampleRate:  chunk.Rate,
			DurationMS:  uint64(chunk.DurationMS),
		}

		resp, err := transcriber.Transcribe(ctx, req)
		if err != nil {
			return err
		}

		logger.Info("Chunk transcribed",
			slog.String("session_id", chunk.SessionID),
			slog.String("segment_id", chunk.SegmentID),
			slog.Uint64("seq", uint64(chunk.Seq)),
			slog.String("text", resp.Text),
		)
		return nil
	})
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
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
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

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
