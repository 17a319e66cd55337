// Package config loads pipeline configuration. Env vars are the primary
// source; an optional YAML file (BABYLON_CONFIG_FILE) supplies the same
// settings for deployments that prefer files, with env vars taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr        string `yaml:"addr"`
	DatabaseURL string `yaml:"databaseUrl"`
	AuthToken   string `yaml:"authToken"`

	LineageID string `yaml:"lineageId"`
	BaseModel string `yaml:"baseModel"`

	WindowSize time.Duration `yaml:"windowSize"`
	Lookback   time.Duration `yaml:"lookback"`
	MaxWindows int           `yaml:"maxWindows"`

	MinGroupSize      int     `yaml:"minGroupSize"`
	MinTrajectories   int     `yaml:"minTrajectories"`
	MinScenarioGroups int     `yaml:"minScenarioGroups"`
	MinAvgQuality     float64 `yaml:"minAvgQuality"`
	ReuseCap          int     `yaml:"reuseCap"`

	TargetGroupSize int     `yaml:"targetGroupSize"`
	MaxDropoutRate  float64 `yaml:"maxDropoutRate"`

	JudgeURL     string        `yaml:"judgeUrl"`
	JudgeAPIKey  string        `yaml:"judgeApiKey"`
	JudgeRetries int           `yaml:"judgeRetries"`
	JudgeBackoff time.Duration `yaml:"judgeBackoff"`

	BackendURL   string        `yaml:"backendUrl"`
	BackendToken string        `yaml:"backendToken"`
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxWait      time.Duration `yaml:"maxWait"`

	Schedule string `yaml:"schedule"`

	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`

	ArchiveBucket string `yaml:"archiveBucket"`
	ArchivePrefix string `yaml:"archivePrefix"`
}

const (
	defaultAddr              = ":8071"
	defaultLineageID         = "babylon-agent"
	defaultBaseModel         = "qwen3-14b"
	defaultWindowSize        = time.Hour
	defaultLookback          = 24 * time.Hour
	defaultMaxWindows        = 12
	defaultMinGroupSize      = 2
	defaultMinTrajectories   = 10
	defaultMinScenarioGroups = 1
	defaultMinAvgQuality     = 0.3
	defaultReuseCap          = 3
	defaultTargetGroupSize   = 8
	defaultMaxDropoutRate    = 0.5
	defaultSchedule          = "0 * * * *"
	defaultKafkaTopic        = "babylon.training.events"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:              defaultAddr,
		LineageID:         defaultLineageID,
		BaseModel:         defaultBaseModel,
		WindowSize:        defaultWindowSize,
		Lookback:          defaultLookback,
		MaxWindows:        defaultMaxWindows,
		MinGroupSize:      defaultMinGroupSize,
		MinTrajectories:   defaultMinTrajectories,
		MinScenarioGroups: defaultMinScenarioGroups,
		MinAvgQuality:     defaultMinAvgQuality,
		ReuseCap:          defaultReuseCap,
		TargetGroupSize:   defaultTargetGroupSize,
		MaxDropoutRate:    defaultMaxDropoutRate,
		Schedule:          defaultSchedule,
		KafkaTopic:        defaultKafkaTopic,
	}

	if path := os.Getenv("BABYLON_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Addr = getEnv("BABYLON_ADDR", cfg.Addr)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("BABYLON_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)
	cfg.AuthToken = getEnv("BABYLON_AUTH_TOKEN", cfg.AuthToken)
	cfg.LineageID = getEnv("BABYLON_LINEAGE_ID", cfg.LineageID)
	cfg.BaseModel = getEnv("BABYLON_BASE_MODEL", cfg.BaseModel)
	cfg.WindowSize = getDuration("BABYLON_WINDOW_SIZE", cfg.WindowSize)
	cfg.Lookback = getDuration("BABYLON_LOOKBACK", cfg.Lookback)
	cfg.MaxWindows = getInt("BABYLON_MAX_WINDOWS", cfg.MaxWindows)
	cfg.MinGroupSize = getInt("BABYLON_MIN_GROUP_SIZE", cfg.MinGroupSize)
	cfg.MinTrajectories = getInt("BABYLON_MIN_TRAJECTORIES", cfg.MinTrajectories)
	cfg.MinScenarioGroups = getInt("BABYLON_MIN_SCENARIO_GROUPS", cfg.MinScenarioGroups)
	cfg.MinAvgQuality = getFloat("BABYLON_MIN_AVG_QUALITY", cfg.MinAvgQuality)
	cfg.ReuseCap = getInt("BABYLON_REUSE_CAP", cfg.ReuseCap)
	cfg.TargetGroupSize = getInt("BABYLON_TARGET_GROUP_SIZE", cfg.TargetGroupSize)
	cfg.MaxDropoutRate = getFloat("BABYLON_MAX_DROPOUT_RATE", cfg.MaxDropoutRate)
	cfg.JudgeURL = getEnv("BABYLON_JUDGE_URL", cfg.JudgeURL)
	cfg.JudgeAPIKey = getEnv("BABYLON_JUDGE_API_KEY", cfg.JudgeAPIKey)
	cfg.JudgeRetries = getInt("BABYLON_JUDGE_RETRIES", cfg.JudgeRetries)
	cfg.JudgeBackoff = getDuration("BABYLON_JUDGE_BACKOFF", cfg.JudgeBackoff)
	cfg.BackendURL = getEnv("BABYLON_BACKEND_URL", cfg.BackendURL)
	cfg.BackendToken = getEnv("BABYLON_BACKEND_TOKEN", cfg.BackendToken)
	cfg.PollInterval = getDuration("BABYLON_POLL_INTERVAL", cfg.PollInterval)
	cfg.MaxWait = getDuration("BABYLON_MAX_WAIT", cfg.MaxWait)
	cfg.Schedule = getEnv("BABYLON_SCHEDULE", cfg.Schedule)
	if v := os.Getenv("BABYLON_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitCSV(v)
	}
	cfg.KafkaTopic = getEnv("BABYLON_KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.ArchiveBucket = getEnv("BABYLON_ARCHIVE_BUCKET", cfg.ArchiveBucket)
	cfg.ArchivePrefix = getEnv("BABYLON_ARCHIVE_PREFIX", cfg.ArchivePrefix)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or BABYLON_DATABASE_URL required")
	}
	if cfg.BackendURL == "" {
		return Config{}, fmt.Errorf("BABYLON_BACKEND_URL required")
	}
	if cfg.MinGroupSize < 2 {
		return Config{}, fmt.Errorf("BABYLON_MIN_GROUP_SIZE must be at least 2")
	}
	// Window ids are minute-granular; a finer window size would collapse
	// distinct windows into one id.
	if cfg.WindowSize < time.Minute {
		return Config{}, fmt.Errorf("BABYLON_WINDOW_SIZE must be at least 1m")
	}
	if cfg.MaxDropoutRate < 0 || cfg.MaxDropoutRate >= 1 {
		return Config{}, fmt.Errorf("BABYLON_MAX_DROPOUT_RATE must be in [0, 1)")
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
