// Command minute is the live meeting transcription server: a websocket
// streaming endpoint backed by VAD-gated Whisper transcription, chunked
// audio recording, and post-meeting speaker diarization.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/minutehq/minute/internal/config"
	"github.com/minutehq/minute/internal/diarize"
	"github.com/minutehq/minute/internal/health"
	"github.com/minutehq/minute/internal/observe"
	"github.com/minutehq/minute/internal/record"
	"github.com/minutehq/minute/internal/server"
	"github.com/minutehq/minute/internal/store"
	"github.com/minutehq/minute/internal/store/postgres"
	"github.com/minutehq/minute/internal/stream"
	"github.com/minutehq/minute/pkg/audio"
	"github.com/minutehq/minute/pkg/provider/asr"
	"github.com/minutehq/minute/pkg/provider/asr/groq"
	"github.com/minutehq/minute/pkg/provider/vad"
	vadauto "github.com/minutehq/minute/pkg/provider/vad/auto"
	"github.com/minutehq/minute/pkg/provider/vad/energy"
	"github.com/minutehq/minute/pkg/provider/vad/silero"
	"github.com/minutehq/minute/pkg/provider/vad/tenvad"
	"github.com/minutehq/minute/pkg/storage"
	"github.com/minutehq/minute/pkg/storage/gcs"
	"github.com/minutehq/minute/pkg/storage/local"
)

// version is stamped at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "minute: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "minute: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("minute starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "minute",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("metrics init failed", "err", err)
		return 1
	}

	// ── Storage backend ───────────────────────────────────────────────────────
	backend, err := buildStorage(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", "err", err)
		return 1
	}
	slog.Info("storage backend ready", "backend", backend.Name())

	// ── Transcript store ──────────────────────────────────────────────────────
	var st store.Store
	if cfg.Store.PostgresDSN != "" {
		pg, err := postgres.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			slog.Error("postgres init failed", "err", err)
			return 1
		}
		st = pg
		slog.Info("transcript store ready", "store", "postgres")
	} else {
		st = store.NewMemoryStore()
		slog.Warn("POSTGRES_DSN not set, transcripts will not survive a restart")
	}
	defer st.Close()

	// ── VAD ───────────────────────────────────────────────────────────────────
	detector := buildDetector(cfg, logger)
	defer detector.Close()

	// ── Transcription backend ─────────────────────────────────────────────────
	var transcriber asr.Transcriber
	if cfg.Transcription.APIKey != "" {
		var opts []groq.Option
		if cfg.Transcription.BaseURL != "" {
			opts = append(opts, groq.WithBaseURL(cfg.Transcription.BaseURL))
		}
		if cfg.Transcription.Model != "" {
			opts = append(opts, groq.WithModel(cfg.Transcription.Model))
		}
		transcriber, err = groq.New(cfg.Transcription.APIKey, opts...)
		if err != nil {
			slog.Error("transcription backend init failed", "err", err)
			return 1
		}
	} else {
		slog.Warn("GROQ_API_KEY not set, streaming sessions will be refused")
	}

	// ── Pipeline services ─────────────────────────────────────────────────────
	diarizer := diarize.NewService(diarize.Config{
		Enabled:          cfg.Diarization.Enabled,
		Provider:         string(cfg.Diarization.Provider),
		DeepgramAPIKey:   cfg.Diarization.DeepgramAPIKey,
		AssemblyAIAPIKey: cfg.Diarization.AssemblyAIAPIKey,
		ChunkPrefix:      cfg.Recording.PathPrefix,
	}, backend, st, transcriber, logger, metrics)

	var onFinalized func(meetingID string)
	if cfg.Diarization.Enabled {
		onFinalized = func(meetingID string) {
			diarizer.Run(context.Background(), meetingID, nil, "", "")
		}
	}
	finalizer := record.NewFinalizer(backend, cfg.Recording.PathPrefix,
		cfg.Diarization.DeleteLocalAfterUpload, onFinalized, logger, metrics)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := server.New(server.Config{
		RecordingEnabled: cfg.Recording.Enabled,
		Stream: stream.Config{
			WindowSamples:        cfg.Audio.WindowSeconds * audio.SampleRate,
			SlideSamples:         cfg.Audio.SlideSeconds * audio.SampleRate,
			SilenceThresholdMS:   cfg.Transcription.SilenceThresholdMS,
			MinCallInterval:      time.Duration(cfg.Transcription.MinCallIntervalMS) * time.Millisecond,
			MaxInFlight:          int64(cfg.Transcription.MaxInFlight),
			ForceFinalizeTimeout: time.Duration(cfg.Transcription.ForceFinalizeTimeoutMS) * time.Millisecond,
			Language:             cfg.Transcription.Language,
			Translate:            cfg.Transcription.Translate,
		},
		Record: record.Config{
			ChunkSeconds: cfg.Recording.ChunkSeconds,
			ChunkPrefix:  cfg.Recording.PathPrefix,
		},
	}, server.Deps{
		Store:          st,
		Backend:        backend,
		Detector:       detector,
		Transcriber:    transcriber,
		Finalizer:      finalizer,
		Diarizer:       diarizer,
		HealthCheckers: buildCheckers(st, backend),
		Log:            logger,
		Metrics:        metrics,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			return
		}
		serveErr <- httpSrv.ListenAndServe()
	}()

	// ── Config watcher ────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if old.Server.LogLevel != new.Server.LogLevel {
			level.Set(new.Server.LogLevel.Level())
			slog.Info("log level changed", "level", new.Server.LogLevel)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg, transcriber != nil, detector.Name())
	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Collaborator wiring ───────────────────────────────────────────────────────

func buildStorage(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Type {
	case config.StorageGCS:
		return gcs.New(ctx, cfg.Storage.GCSBucket, cfg.Storage.GCSPrefix)
	default:
		return local.New(cfg.Storage.Path)
	}
}

// buildDetector honours the configured backend; a model backend that fails
// to load falls back to the energy gate rather than refusing to start.
func buildDetector(cfg *config.Config, log *slog.Logger) vad.Detector {
	vcfg := vad.Config{Threshold: cfg.VAD.Threshold}

	switch cfg.VAD.Backend {
	case config.VADTenVAD:
		vcfg.ModelPath = cfg.VAD.TenVADModelPath
		if d, err := tenvad.New(vcfg); err == nil {
			return d
		} else {
			log.Warn("ten-vad unavailable, using energy gate", "err", err)
		}
	case config.VADSilero:
		vcfg.ModelPath = cfg.VAD.SileroModelPath
		if d, err := silero.New(vcfg); err == nil {
			return d
		} else {
			log.Warn("silero unavailable, using energy gate", "err", err)
		}
	case config.VADEnergy:
	default:
		return vadauto.New(vadauto.Config{
			TenVADModelPath: cfg.VAD.TenVADModelPath,
			SileroModelPath: cfg.VAD.SileroModelPath,
			Threshold:       cfg.VAD.Threshold,
		}, log)
	}
	return energy.New(vad.Config{})
}

func buildCheckers(st store.Store, backend storage.Backend) []health.Checker {
	return []health.Checker{
		{Name: "store", Check: func(ctx context.Context) error {
			_, err := st.GetMeeting(ctx, "readyz-probe")
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}},
		{Name: "storage", Check: func(ctx context.Context) error {
			_, err := backend.FileExists(ctx, "readyz-probe")
			return err
		}},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, hasTranscriber bool, vadName string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          minute — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	transcription := "(no credential)"
	if hasTranscriber {
		transcription = "groq"
		if cfg.Transcription.Model != "" {
			transcription += " / " + cfg.Transcription.Model
		}
	}
	printRow("Transcription", transcription)
	printRow("VAD", vadName)
	printRow("Storage", string(cfg.Storage.Type))
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "memory")
	}
	if cfg.Diarization.Enabled {
		printRow("Diarization", string(cfg.Diarization.Provider))
	} else {
		printRow("Diarization", "(disabled)")
	}
	if cfg.Recording.Enabled {
		printRow("Recording", fmt.Sprintf("%ds chunks", cfg.Recording.ChunkSeconds))
	} else {
		printRow("Recording", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(name, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}
