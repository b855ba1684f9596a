package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	WorkerConcurrency  int // queue drain loops per queue
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Redis
	RedisURL string

	// Object storage for generated assets and exports
	StorageURL        string
	StorageServiceKey string
	StorageBucket     string

	// OpenAI (prompt enhancement — optional)
	OpenAIKey string

	// Gemini (image generation + Veo video)
	GeminiKey string
	VeoModel  string

	// Grok (alternate video backend — optional)
	GrokAPIKey string

	// ElevenLabs (default speech backend)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// Cartesia (alternate speech backend)
	CartesiaKey     string
	CartesiaURL     string
	CartesiaVoiceID string

	// Catalog service (model/voice lists)
	CatalogURL    string
	CatalogAPIKey string
	CatalogTTL    time.Duration

	// Default backend per job kind — injected policy, not hardcoded in the resolver
	DefaultImageBackend string
	DefaultVideoBackend string
	DefaultAudioBackend string

	// Scheduler policy: wave ceilings and inter-wave delays per job kind.
	// Video generation is resource-heavier on the provider side, hence the
	// lower ceiling and longer delay.
	ImageConcurrency int
	VideoConcurrency int
	AudioConcurrency int
	ImageWaveDelay   time.Duration
	VideoWaveDelay   time.Duration
	AudioWaveDelay   time.Duration

	// Extra generic-failure retries at the scheduler layer, on top of the
	// resolver's single default-backend fallback. 0 disables them.
	GenerationRetries int

	// Composition
	BurnCaptionsDefault bool // burn captions into exported clips unless the request says otherwise
	SpeechPadTargetSec  int  // speech clips shorter than this are padded with trailing silence
	TempDir             string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		StorageURL:         getEnv("STORAGE_URL", ""),
		StorageServiceKey:  getEnv("STORAGE_SERVICE_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "storyloom-assets"),
		OpenAIKey:          getEnv("OPENAI_API_KEY", ""),
		GeminiKey:          getEnv("GEMINI_API_KEY", ""),
		VeoModel:           getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		GrokAPIKey:         getEnv("GROK_API_KEY", ""),
		ElevenLabsKey:      getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID:  getEnv("ELEVENLABS_VOICE_ID", ""),
		CartesiaKey:        getEnv("CARTESIA_API_KEY", ""),
		CartesiaURL:        getEnv("CARTESIA_API_URL", "https://api.cartesia.ai"),
		CartesiaVoiceID:    getEnv("CARTESIA_VOICE_ID", ""),
		CatalogURL:         getEnv("CATALOG_URL", ""),
		CatalogAPIKey:      getEnv("CATALOG_API_KEY", ""),
		CatalogTTL:         getEnvDuration("CATALOG_TTL", 10*time.Minute),

		DefaultImageBackend: getEnv("DEFAULT_IMAGE_BACKEND", "gemini-image"),
		DefaultVideoBackend: getEnv("DEFAULT_VIDEO_BACKEND", "veo"),
		DefaultAudioBackend: getEnv("DEFAULT_AUDIO_BACKEND", "elevenlabs"),

		ImageConcurrency: getEnvInt("IMAGE_CONCURRENCY", 5),
		VideoConcurrency: getEnvInt("VIDEO_CONCURRENCY", 3),
		AudioConcurrency: getEnvInt("AUDIO_CONCURRENCY", 10),
		ImageWaveDelay:   getEnvDuration("IMAGE_WAVE_DELAY", 500*time.Millisecond),
		VideoWaveDelay:   getEnvDuration("VIDEO_WAVE_DELAY", 1000*time.Millisecond),
		AudioWaveDelay:   getEnvDuration("AUDIO_WAVE_DELAY", 200*time.Millisecond),

		GenerationRetries: getEnvInt("GENERATION_RETRIES", 0),

		BurnCaptionsDefault: getEnvBool("BURN_CAPTIONS_DEFAULT", false),
		SpeechPadTargetSec:  getEnvInt("SPEECH_PAD_TARGET_SEC", 5),
		TempDir:             getEnv("TEMP_DIR", "/tmp/storyloom"),
	}

	// Validate required fields
	if cfg.GeminiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	// At least one speech backend must be configured
	if cfg.ElevenLabsKey == "" && cfg.CartesiaKey == "" {
		return nil, fmt.Errorf("either ELEVENLABS_API_KEY or CARTESIA_API_KEY is required for speech synthesis")
	}

	if cfg.StorageURL == "" || cfg.StorageServiceKey == "" {
		return nil, fmt.Errorf("STORAGE_URL and STORAGE_SERVICE_KEY are required")
	}

	return cfg, nil
}

// DefaultBackend returns the configured default backend id for a job kind.
func (c *Config) DefaultBackend(kind string) string {
	switch kind {
	case "video":
		return c.DefaultVideoBackend
	case "audio":
		return c.DefaultAudioBackend
	default:
		return c.DefaultImageBackend
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
