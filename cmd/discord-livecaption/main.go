package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-livecaption/internal/asr"
	"github.com/user/discord-livecaption/internal/audio"
	"github.com/user/discord-livecaption/internal/bot"
	"github.com/user/discord-livecaption/internal/caption"
	"github.com/user/discord-livecaption/internal/config"
	"github.com/user/discord-livecaption/internal/limiter"
	"github.com/user/discord-livecaption/internal/registry"
	"github.com/user/discord-livecaption/internal/session"
	"github.com/user/discord-livecaption/internal/store"
	"github.com/user/discord-livecaption/internal/text"
	"github.com/user/discord-livecaption/internal/translate"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.LogLevel)

	log.Info().Msg("Starting Discord Live Caption Bot")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recordings store with stale-file sweep
	recordings, err := store.NewRecordings(cfg.RecordingsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create recordings dir")
	}
	recordings.CleanupStale(time.Hour)
	recordings.StartSweeper(ctx, 10*time.Minute, time.Hour)

	// Text pipeline
	dict := text.NewDictionary(cfg.DictionaryPath)
	sanitizer := text.NewSanitizer(dict, nil)

	// ASR: batch backend, optional worker path on top
	batch, closeBatch, err := buildBatchTranscriber(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create ASR backend")
	}
	defer closeBatch()

	var worker *asr.Worker
	if cfg.WorkerCommand != "" {
		worker = asr.NewWorker(asr.WorkerConfig{
			Command:       cfg.WorkerCommand,
			Args:          strings.Fields(cfg.WorkerArgs),
			Model:         cfg.WorkerModel,
			Device:        cfg.WorkerDevice,
			Compute:       cfg.WorkerCompute,
			Language:      cfg.Language,
			InitialPrompt: dict.HotwordPrompt(2),
			AutoRestart:   cfg.WorkerAutoRestart,
		})
		defer worker.Close()
	}
	engine := asr.NewEngine(worker, batch, cfg.WorkerMaxFailures)

	// Translation
	translator, err := translate.NewTranslator(cfg.TranslateProvider, translateKey(cfg), cfg.GenAIModel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create translator")
	}

	// Caption bus
	hub := caption.NewHub()
	go hub.Run(ctx)
	caption.Serve(ctx, hub, cfg.CaptionAddr)

	// Optional webrtcvad second opinion for the gate
	var checker audio.SpeechChecker
	if cfg.UseWebRTCVAD {
		c, err := audio.NewWebRTCChecker(cfg.WebRTCVADMode)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create WebRTC VAD")
		}
		defer c.Close()
		checker = c
	}

	speakers := registry.LoadSpeakers(cfg.SpeakersPath)
	speakers.DefaultLang = cfg.Language
	speakers.DefaultTranslateTo = cfg.TranslateTo

	// Create bot
	discordBot, err := bot.NewBot(cfg, sessionConfig(cfg), session.Deps{
		Engine:     engine,
		Limiter:    limiter.New(cfg.MaxParallelASR),
		Recordings: recordings,
		Sanitizer:  sanitizer,
		Dictionary: dict,
		Bus:        hub,
		Translator: translator,
		Registry:   registry.New(),
		Checker:    checker,
	}, speakers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}

	// Start bot
	if err := discordBot.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bot")
	}

	// Wait for shutdown signal
	log.Info().Msg("Bot is running. Press Ctrl+C to exit.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	log.Info().Msg("Shutting down bot...")
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan error, 1)
	go func() {
		done <- discordBot.Stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		} else {
			log.Info().Msg("Bot stopped gracefully")
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout exceeded, forcing exit")
	}
}

func buildBatchTranscriber(cfg *config.Config) (asr.Transcriber, func(), error) {
	switch cfg.ASRBackend {
	case "vosk":
		v, err := asr.NewVoskTranscriber(cfg.VoskModelPath, audio.SampleRate)
		if err != nil {
			return nil, nil, err
		}
		return v, func() { v.Close() }, nil
	default:
		return asr.NewDeepgramTranscriber(cfg.DeepgramAPIKey, cfg.DeepgramModel), func() {}, nil
	}
}

func translateKey(cfg *config.Config) string {
	if cfg.TranslateProvider == "deepl" {
		return cfg.DeepLAPIKey
	}
	return cfg.GenAIAPIKey
}

func sessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		OpenDB:             cfg.VADOpenDB,
		CloseDB:            cfg.VADCloseDB,
		Hangover:           cfg.Hangover(),
		FrameSamples:       cfg.FrameSizeMS * audio.SampleRate / 1000,
		MaxSegmentDuration: time.Duration(cfg.MaxUtteranceMS) * time.Millisecond,
		InterSegmentGap:    time.Duration(cfg.SegmentGapMS) * time.Millisecond,
		MinSegmentDuration: time.Duration(cfg.MinSegmentMS) * time.Millisecond,
		MinSegmentBytes:    cfg.MinSegmentBytes,
		FlushInterval:      time.Duration(cfg.FlushIntervalMS) * time.Millisecond,
		MinFlushBytes:      cfg.MinFlushBytes,
		DedupWindow:        time.Duration(cfg.DedupWindowMS) * time.Millisecond,
		DedupHistory:       cfg.DedupHistorySize,
		FinalCooldown:      time.Duration(cfg.FinalCooldownMS) * time.Millisecond,
		TranslateDebounce:  time.Duration(cfg.TranslateDebounceMS) * time.Millisecond,
		DictOnTranslation:  cfg.DictOnTranslation,
	}
}

func setupLogging(level string) {
	// Setup zerolog
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("level", level).Msg("Logging configured")
}
