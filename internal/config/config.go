package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the ingestion service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string
	RedisURL      string

	SentimentProvider string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	SentimentModel    string
	ScoringWorkers    int

	FlagThreshold      float64
	UnresolvedSpeakers string
	RedactPII          bool

	LinkRetryAttempts int
	LinkRetryBase     time.Duration
	LinkRetryCap      time.Duration

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int
	LocalWhisperDiarize   bool
	LocalWhisperTimeout   time.Duration

	IngestProfilePath string
	IngestSpeakers    map[string]string
}

// Load reads a .env file when present, then environment variables, and
// applies safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "elderwatch"),
		AllowAnyOrigin:     true,
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFormat:          envOrDefault("LOG_FORMAT", "json"),
		StoreDriver:        strings.ToLower(envTrimmed("STORE_DRIVER")),
		DatabaseURL:        envTrimmed("DATABASE_URL"),
		MongoURI:           envTrimmed("MONGO_DB_KEY"),
		MongoDatabase:      envOrDefault("MONGO_DATABASE", "ElderData"),
		RedisURL:           envTrimmed("REDIS_URL"),
		SentimentProvider:  strings.ToLower(envOrDefault("SENTIMENT_PROVIDER", "vader")),
		OpenAIAPIKey:       envTrimmed("OPENAI_API_KEY"),
		OpenAIBaseURL:      envTrimmed("OPENAI_BASE_URL"),
		SentimentModel:     envOrDefault("SENTIMENT_MODEL", "gpt-4.1-mini"),
		ScoringWorkers:     4,
		FlagThreshold:      0,
		UnresolvedSpeakers: strings.ToLower(envOrDefault("UNRESOLVED_SPEAKERS", "reject")),
		LinkRetryAttempts:  3,
		LinkRetryBase:      100 * time.Millisecond,
		LinkRetryCap:       2 * time.Second,

		LocalWhisperCLI:       envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath: envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		LocalWhisperLanguage:  envOrDefault("LOCAL_WHISPER_LANGUAGE", "en"),
		// 0 means "auto" (whisper.cpp picks based on CPU count).
		LocalWhisperThreads: 0,
		LocalWhisperTimeout: 10 * time.Minute,
		IngestProfilePath:   envTrimmed("INGEST_PROFILE_PATH"),
		ShutdownTimeout:     15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ScoringWorkers, err = intFromEnv("SCORING_WORKERS", cfg.ScoringWorkers)
	if err != nil {
		return Config{}, err
	}
	cfg.FlagThreshold, err = floatFromEnv("FLAG_THRESHOLD", cfg.FlagThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}
	cfg.LinkRetryAttempts, err = intFromEnv("LINK_RETRY_ATTEMPTS", cfg.LinkRetryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.LinkRetryBase, err = durationFromEnv("LINK_RETRY_BASE", cfg.LinkRetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.LinkRetryCap, err = durationFromEnv("LINK_RETRY_CAP", cfg.LinkRetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperThreads, err = intFromEnv("LOCAL_WHISPER_THREADS", cfg.LocalWhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperDiarize, err = boolFromEnv("LOCAL_WHISPER_DIARIZE", cfg.LocalWhisperDiarize)
	if err != nil {
		return Config{}, err
	}
	cfg.LocalWhisperTimeout, err = durationFromEnv("LOCAL_WHISPER_TIMEOUT", cfg.LocalWhisperTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IngestSpeakers, err = ParseSpeakerBindings(envOrDefault("INGEST_SPEAKERS", "Speaker 0=Ryan,Speaker 1=Brad"))
	if err != nil {
		return Config{}, fmt.Errorf("INGEST_SPEAKERS parse error: %w", err)
	}

	switch cfg.StoreDriver {
	case "", "memory", "postgres", "mongo", "redis":
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of memory, postgres, mongo, redis")
	}
	switch cfg.SentimentProvider {
	case "vader":
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return Config{}, fmt.Errorf("OPENAI_API_KEY is required when SENTIMENT_PROVIDER=openai")
		}
	default:
		return Config{}, fmt.Errorf("SENTIMENT_PROVIDER must be vader or openai")
	}
	switch cfg.UnresolvedSpeakers {
	case "reject", "placeholder":
	default:
		return Config{}, fmt.Errorf("UNRESOLVED_SPEAKERS must be reject or placeholder")
	}
	if cfg.ScoringWorkers <= 0 {
		return Config{}, fmt.Errorf("SCORING_WORKERS must be positive")
	}
	if cfg.FlagThreshold < -1 || cfg.FlagThreshold > 1 {
		return Config{}, fmt.Errorf("FLAG_THRESHOLD must be within [-1, 1]")
	}
	if cfg.LinkRetryAttempts <= 0 {
		return Config{}, fmt.Errorf("LINK_RETRY_ATTEMPTS must be positive")
	}
	if cfg.LinkRetryBase <= 0 || cfg.LinkRetryCap < cfg.LinkRetryBase {
		return Config{}, fmt.Errorf("LINK_RETRY_BASE must be positive and not exceed LINK_RETRY_CAP")
	}
	if cfg.LocalWhisperThreads < 0 {
		return Config{}, fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}

	return cfg, nil
}

// ParseSpeakerBindings parses "Speaker 0=Ryan,Speaker 1=Brad" into a label
// to person map.
func ParseSpeakerBindings(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		label, person, ok := strings.Cut(pair, "=")
		label, person = strings.TrimSpace(label), strings.TrimSpace(person)
		if !ok || label == "" || person == "" {
			return nil, fmt.Errorf("binding %q is not label=person", pair)
		}
		out[label] = person
	}
	return out, nil
}

func envOrDefault(key, fallback string) string {
	v := envTrimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
