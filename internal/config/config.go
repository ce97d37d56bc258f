// Package config loads moodpipe configuration from defaults, an optional
// .env file, and MOODPIPE_* environment variables (highest precedence).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Classifier ClassifierConfig
	Worker     WorkerConfig
	Recommend  RecommendConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir        string
	ArtifactDir    string
	MaxUploadBytes int64
}

type ClassifierConfig struct {
	SoundURL   string
	EmotionURL string
}

type WorkerConfig struct {
	PollInterval      time.Duration
	ClaimLease        time.Duration
	UploadSettleDelay time.Duration
}

type RecommendConfig struct {
	// BaseURL enables the best-effort playlist enrichment when non-empty.
	BaseURL string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			DataDir:        dataDir,
			ArtifactDir:    filepath.Join(dataDir, "artifacts"),
			MaxUploadBytes: 20 << 20, // 20MB
		},
		Classifier: ClassifierConfig{
			SoundURL:   "http://localhost:9001",
			EmotionURL: "http://localhost:9002",
		},
		Worker: WorkerConfig{
			PollInterval:      5 * time.Second,
			ClaimLease:        10 * time.Minute,
			UploadSettleDelay: 8 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "moodpipe")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./moodpipe-data"
	}
	return filepath.Join(home, ".local", "share", "moodpipe")
}

// Load reads configuration. A .env file in the working directory is applied
// first (it never overrides variables already set in the environment), then
// MOODPIPE_* variables override defaults.
func Load() (Config, error) {
	_ = godotenv.Load() // missing .env is fine

	cfg := defaults()
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set it via environment variable MOODPIPE_API_TOKEN")
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MOODPIPE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing MOODPIPE_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("MOODPIPE_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("MOODPIPE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
		cfg.Storage.ArtifactDir = filepath.Join(v, "artifacts")
	}
	if v := os.Getenv("MOODPIPE_ARTIFACT_DIR"); v != "" {
		cfg.Storage.ArtifactDir = v
	}
	if v := os.Getenv("MOODPIPE_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing MOODPIPE_MAX_UPLOAD_BYTES %q: %w", v, err)
		}
		cfg.Storage.MaxUploadBytes = n
	}
	if v := os.Getenv("MOODPIPE_SOUND_URL"); v != "" {
		cfg.Classifier.SoundURL = v
	}
	if v := os.Getenv("MOODPIPE_EMOTION_URL"); v != "" {
		cfg.Classifier.EmotionURL = v
	}
	if v := os.Getenv("MOODPIPE_RECOMMEND_URL"); v != "" {
		cfg.Recommend.BaseURL = v
	}
	if v := os.Getenv("MOODPIPE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"MOODPIPE_POLL_INTERVAL", &cfg.Worker.PollInterval},
		{"MOODPIPE_CLAIM_LEASE", &cfg.Worker.ClaimLease},
		{"MOODPIPE_UPLOAD_SETTLE_DELAY", &cfg.Worker.UploadSettleDelay},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parsing %s %q: %w", d.env, v, err)
			}
			*d.dst = parsed
		}
	}
	return nil
}
