package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/bobarin/composer/internal/planner"
	"github.com/bobarin/composer/internal/services"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string        // Comma-separated API keys (empty = no auth, dev mode)
	CorsAllowedOrigins string        // Comma-separated allowed origins (empty = *, dev mode)
	RequestTimeout     time.Duration // Per-request bound on /v1 routes

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Worker
	MaxConcurrentJobs int
	JobTimeout        time.Duration
	TempDir           string // Parent of per-job workspaces

	// Media tools
	FFmpegPath       string
	FFprobePath      string
	ProbeConcurrency int
	ProbeTimeout     time.Duration // Per-clip bound on one ffprobe run

	// Sources
	LocalSourceRoot string // Only local files under this directory may be referenced by API jobs (empty = none)

	// Canvas
	CanvasWidth        int
	CanvasHeight       int
	CanvasFPS          int
	PixelFormat        string
	AudioSampleRate    int
	AudioChannelLayout string
	ZoomUpscaleFactor  int

	// Encoder
	VideoCodec   string
	VideoPreset  string
	VideoCRF     int
	AudioCodec   string
	AudioBitrate string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	render := planner.DefaultRenderConfig()
	codec := services.DefaultCodecOptions()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		RequestTimeout:        seconds(getEnvFloat("REQUEST_TIMEOUT_SECONDS", 30)),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", "redis://localhost:6379"),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "composer-renders"),
		MaxConcurrentJobs:     getEnvInt("MAX_CONCURRENT_JOBS", 2),
		JobTimeout:            seconds(getEnvFloat("JOB_TIMEOUT_MINUTES", 30) * 60),
		TempDir:               getEnv("TEMP_DIR", os.TempDir()),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		ProbeConcurrency:      getEnvInt("PROBE_CONCURRENCY", 4),
		ProbeTimeout:          seconds(getEnvFloat("PROBE_TIMEOUT_SECONDS", 30)),
		LocalSourceRoot:       getEnv("LOCAL_SOURCE_ROOT", ""),
		CanvasWidth:           getEnvInt("CANVAS_WIDTH", render.Width),
		CanvasHeight:          getEnvInt("CANVAS_HEIGHT", render.Height),
		CanvasFPS:             getEnvInt("CANVAS_FPS", render.FPS),
		PixelFormat:           getEnv("PIXEL_FORMAT", render.PixelFormat),
		AudioSampleRate:       getEnvInt("AUDIO_SAMPLE_RATE", render.SampleRate),
		AudioChannelLayout:    getEnv("AUDIO_CHANNEL_LAYOUT", render.ChannelLayout),
		ZoomUpscaleFactor:     getEnvInt("ZOOM_UPSCALE_FACTOR", render.UpscaleFactor),
		VideoCodec:            getEnv("VIDEO_CODEC", codec.VideoCodec),
		VideoPreset:           getEnv("VIDEO_PRESET", codec.Preset),
		VideoCRF:              getEnvInt("VIDEO_CRF", codec.CRF),
		AudioCodec:            getEnv("AUDIO_CODEC", codec.AudioCodec),
		AudioBitrate:          getEnv("AUDIO_BITRATE", codec.AudioBitrate),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	if err := cfg.Render().Validate(); err != nil {
		return nil, fmt.Errorf("canvas settings: %w", err)
	}

	if cfg.ProbeTimeout <= 0 {
		return nil, fmt.Errorf("PROBE_TIMEOUT_SECONDS must be positive")
	}

	if cfg.MaxConcurrentJobs < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1, got %d", cfg.MaxConcurrentJobs)
	}

	return cfg, nil
}

// Render returns the canvas every plan is normalized to.
func (c *Config) Render() planner.RenderConfig {
	render := planner.DefaultRenderConfig()
	render.Width = c.CanvasWidth
	render.Height = c.CanvasHeight
	render.FPS = c.CanvasFPS
	render.PixelFormat = c.PixelFormat
	render.SampleRate = c.AudioSampleRate
	render.ChannelLayout = c.AudioChannelLayout
	render.UpscaleFactor = c.ZoomUpscaleFactor
	return render
}

// Codec returns the encoder settings for every render.
func (c *Config) Codec() services.CodecOptions {
	codec := services.DefaultCodecOptions()
	codec.VideoCodec = c.VideoCodec
	codec.Preset = c.VideoPreset
	codec.CRF = c.VideoCRF
	codec.PixelFormat = c.PixelFormat
	codec.AudioCodec = c.AudioCodec
	codec.AudioBitrate = c.AudioBitrate
	return codec
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}
