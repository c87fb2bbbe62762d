package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Discord
	DiscordToken   string
	GuildID        string
	VoiceChannelID string
	TextChannelID  string // chat-log channel; empty disables the chat log

	// ASR backend
	ASRBackend string // "deepgram" or "vosk"

	// Deepgram settings
	DeepgramAPIKey string
	DeepgramModel  string

	// Vosk settings
	VoskModelPath string

	// ASR worker process
	WorkerCommand     string // empty disables the worker path
	WorkerArgs        string
	WorkerModel       string
	WorkerDevice      string
	WorkerCompute     string
	WorkerAutoRestart bool
	WorkerMaxFailures int

	// VAD
	VADOpenDB     float64
	VADCloseDB    float64
	VADHangoverMS int
	FrameSizeMS   int
	UseWebRTCVAD  bool
	WebRTCVADMode int

	// Segmenting
	MaxUtteranceMS   int
	SegmentGapMS     int
	MinSegmentMS     int
	MinSegmentBytes  int
	FlushIntervalMS  int
	MinFlushBytes    int
	DedupWindowMS    int
	DedupHistorySize int
	FinalCooldownMS  int

	// Recognition
	MaxParallelASR int
	Language       string

	// Translation
	TranslateProvider   string // "gemini", "deepl" or "none"
	TranslateTo         string // default target, per-speaker profiles override
	TranslateDebounceMS int
	DictOnTranslation   bool
	GenAIAPIKey         string
	GenAIModel          string
	DeepLAPIKey         string

	// Files
	DictionaryPath string
	SpeakersPath   string
	RecordingsDir  string

	// Caption bus
	CaptionAddr string

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("No .env file found, using environment variables only")
	}

	cfg := &Config{
		// Discord
		DiscordToken:   os.Getenv("DISCORD_TOKEN"),
		GuildID:        os.Getenv("GUILD_ID"),
		VoiceChannelID: os.Getenv("VOICE_CHANNEL_ID"),
		TextChannelID:  os.Getenv("TEXT_CHANNEL_ID"),

		// ASR
		ASRBackend:     getEnvOrDefault("ASR_BACKEND", "deepgram"),
		DeepgramAPIKey: os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:  getEnvOrDefault("DEEPGRAM_MODEL", "nova-2"),
		VoskModelPath:  getEnvOrDefault("VOSK_MODEL_PATH", "./models/vosk/ja"),

		// Worker
		WorkerCommand:     os.Getenv("ASR_WORKER_COMMAND"),
		WorkerArgs:        os.Getenv("ASR_WORKER_ARGS"),
		WorkerModel:       getEnvOrDefault("ASR_WORKER_MODEL", "large-v3"),
		WorkerDevice:      getEnvOrDefault("ASR_WORKER_DEVICE", "cuda"),
		WorkerCompute:     getEnvOrDefault("ASR_WORKER_COMPUTE", "float16"),
		WorkerAutoRestart: getBoolEnvOrDefault("ASR_WORKER_AUTO_RESTART", true),
		WorkerMaxFailures: getIntEnvOrDefault("ASR_WORKER_MAX_FAILURES", 3),

		// VAD
		VADOpenDB:     getFloatEnvOrDefault("VAD_OPEN_DB", -35),
		VADCloseDB:    getFloatEnvOrDefault("VAD_CLOSE_DB", -45),
		VADHangoverMS: getIntEnvOrDefault("VAD_HANGOVER_MS", 400),
		FrameSizeMS:   getIntEnvOrDefault("FRAME_SIZE_MS", 20),
		UseWebRTCVAD:  getBoolEnvOrDefault("USE_WEBRTC_VAD", false),
		WebRTCVADMode: getIntEnvOrDefault("WEBRTC_VAD_MODE", 2),

		// Segmenting
		MaxUtteranceMS:   getIntEnvOrDefault("MAX_UTTERANCE_MS", 30000),
		SegmentGapMS:     getIntEnvOrDefault("SEGMENT_GAP_MS", 250),
		MinSegmentMS:     getIntEnvOrDefault("MIN_SEGMENT_MS", 300),
		MinSegmentBytes:  getIntEnvOrDefault("MIN_SEGMENT_BYTES", 9600),
		FlushIntervalMS:  getIntEnvOrDefault("FLUSH_INTERVAL_MS", 900),
		MinFlushBytes:    getIntEnvOrDefault("MIN_FLUSH_BYTES", 48000),
		DedupWindowMS:    getIntEnvOrDefault("DEDUP_WINDOW_MS", 6000),
		DedupHistorySize: getIntEnvOrDefault("DEDUP_HISTORY_SIZE", 12),
		FinalCooldownMS:  getIntEnvOrDefault("FINAL_COOLDOWN_MS", 3000),

		// Recognition
		MaxParallelASR: getIntEnvOrDefault("MAX_PARALLEL_ASR", 2),
		Language:       getEnvOrDefault("LANGUAGE", "ja"),

		// Translation
		TranslateProvider:   getEnvOrDefault("TRANSLATE_PROVIDER", "none"),
		TranslateTo:         os.Getenv("TRANSLATE_TO"),
		TranslateDebounceMS: getIntEnvOrDefault("TRANSLATE_DEBOUNCE_MS", 800),
		DictOnTranslation:   getBoolEnvOrDefault("DICT_ON_TRANSLATION", true),
		GenAIAPIKey:         os.Getenv("GENAI_API_KEY"),
		GenAIModel:          getEnvOrDefault("GENAI_MODEL", "gemini-2.0-flash"),
		DeepLAPIKey:         os.Getenv("DEEPL_API_KEY"),

		// Files
		DictionaryPath: getEnvOrDefault("DICTIONARY_PATH", "./dictionary.json"),
		SpeakersPath:   getEnvOrDefault("SPEAKERS_PATH", "./speakers.json"),
		RecordingsDir:  getEnvOrDefault("RECORDINGS_DIR", "./recordings"),

		// Caption bus
		CaptionAddr: getEnvOrDefault("CAPTION_ADDR", ":8787"),

		// Logging
		LogLevel: getEnvOrDefault("LOG_LEVEL", "info"),
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if c.GuildID == "" || c.VoiceChannelID == "" {
		return fmt.Errorf("GUILD_ID and VOICE_CHANNEL_ID are required")
	}

	if c.ASRBackend != "deepgram" && c.ASRBackend != "vosk" {
		return fmt.Errorf("ASR_BACKEND must be 'deepgram' or 'vosk'")
	}
	if c.ASRBackend == "deepgram" && c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required when using deepgram backend")
	}

	switch c.TranslateProvider {
	case "none", "":
	case "gemini":
		if c.GenAIAPIKey == "" {
			return fmt.Errorf("GENAI_API_KEY is required when using gemini translation")
		}
	case "deepl":
		if c.DeepLAPIKey == "" {
			return fmt.Errorf("DEEPL_API_KEY is required when using deepl translation")
		}
	default:
		return fmt.Errorf("TRANSLATE_PROVIDER must be 'gemini', 'deepl' or 'none'")
	}

	if c.VADOpenDB < c.VADCloseDB {
		return fmt.Errorf("VAD_OPEN_DB must be at or above VAD_CLOSE_DB")
	}
	if c.FrameSizeMS <= 0 {
		return fmt.Errorf("FRAME_SIZE_MS must be positive")
	}
	return nil
}

func (c *Config) Hangover() time.Duration {
	return time.Duration(c.VADHangoverMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getBoolEnvOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
