package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Capture CaptureConfig
	Queue   QueueConfig
	Upload  UploadConfig
	Sync    SyncConfig
	Log     LogConfig
}

type ServerConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type CaptureConfig struct {
	// ProbeTimeout bounds the wait for the external capability probe
	// before local fallback detection runs.
	ProbeTimeout time.Duration
	MaxDuration  time.Duration
	MinDuration  time.Duration
}

type QueueConfig struct {
	StoragePath string
	// StorageBudgetBytes is the storage the queue may use, typically
	// the quota the environment snapshot reported.
	StorageBudgetBytes int64
	// QuotaFraction of the budget at which enqueue triggers cleanup.
	QuotaFraction   float64
	RetentionWindow time.Duration
	RetryCeiling    int
	// FallbackCapacity bounds the in-memory store used when the disk
	// backend cannot be opened.
	FallbackCapacity int
}

type UploadConfig struct {
	Endpoint       string
	Secret         string
	RequestTimeout time.Duration
}

type SyncConfig struct {
	// Interval is the coarse periodic drain trigger. Values under the
	// floor are raised to it to avoid battery and data drain.
	Interval      time.Duration
	MaxConcurrent int64
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

type LogConfig struct {
	Level string
	Path  string // empty: stderr only
}

const syncIntervalFloor = 30 * time.Second

// Load reads configuration from the environment, honoring a .env file
// when present. Missing values fall back to defaults.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Address:      envStr("STARMUS_ADDR", ":8080"),
			ReadTimeout:  envDuration("STARMUS_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: envDuration("STARMUS_WRITE_TIMEOUT", 30*time.Second),
		},
		Capture: CaptureConfig{
			ProbeTimeout: envDuration("STARMUS_PROBE_TIMEOUT", 2*time.Second),
			MaxDuration:  envDuration("STARMUS_MAX_RECORDING", 15*time.Minute),
			MinDuration:  envDuration("STARMUS_MIN_RECORDING", 2*time.Second),
		},
		Queue: QueueConfig{
			StoragePath:        envStr("STARMUS_STORAGE_PATH", "./data"),
			StorageBudgetBytes: int64(envInt("STARMUS_STORAGE_BUDGET", 512<<20)),
			QuotaFraction:      envFloat("STARMUS_QUOTA_FRACTION", 0.8),
			RetentionWindow:    envDuration("STARMUS_RETENTION", 14*24*time.Hour),
			RetryCeiling:       envInt("STARMUS_RETRY_CEILING", 3),
			FallbackCapacity:   envInt("STARMUS_FALLBACK_CAPACITY", 16),
		},
		Upload: UploadConfig{
			Endpoint:       envStr("STARMUS_UPLOAD_ENDPOINT", ""),
			Secret:         envStr("STARMUS_UPLOAD_SECRET", ""),
			RequestTimeout: envDuration("STARMUS_UPLOAD_TIMEOUT", 60*time.Second),
		},
		Sync: SyncConfig{
			Interval:      envDuration("STARMUS_SYNC_INTERVAL", 45*time.Second),
			MaxConcurrent: int64(envInt("STARMUS_SYNC_CONCURRENCY", 2)),
			BackoffBase:   envDuration("STARMUS_BACKOFF_BASE", 3*time.Second),
			BackoffCap:    envDuration("STARMUS_BACKOFF_CAP", 20*time.Second),
		},
		Log: LogConfig{
			Level: envStr("STARMUS_LOG_LEVEL", "info"),
			Path:  envStr("STARMUS_LOG_PATH", ""),
		},
	}

	if cfg.Sync.Interval < syncIntervalFloor {
		cfg.Sync.Interval = syncIntervalFloor
	}
	if cfg.Sync.MaxConcurrent < 1 {
		cfg.Sync.MaxConcurrent = 1
	}
	return cfg
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
