package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/facematch/internal/models"
	"github.com/example/facematch/internal/verification"
)

const (
	ExtractorDlib   = "dlib"
	ExtractorRemote = "remote"
)

type Config struct {
	HTTPAddr    string
	DatabaseDSN string
	RedisAddr   string
	LogLevel    string

	JWTSecret   string
	JWTAudience string

	ModelSources  []string // tried in order
	ModelCacheDir string
	Extractor     string // dlib or remote
	ExtractorAddr string

	DefaultThreshold float64
	SessionTTL       time.Duration
	VerifyRateLimit  int // verify calls per user per minute, 0 disables
	HEICConverter    string
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	threshold, err := strconv.ParseFloat(getEnv("DEFAULT_THRESHOLD", "0.6"), 64)
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_THRESHOLD: %w", err)
	}
	if err := verification.ValidateThreshold(threshold); err != nil {
		return nil, fmt.Errorf("DEFAULT_THRESHOLD: %w", err)
	}

	ttl, err := time.ParseDuration(getEnv("SESSION_TTL", "30m"))
	if err != nil {
		return nil, fmt.Errorf("SESSION_TTL: %w", err)
	}

	rate, err := strconv.Atoi(getEnv("VERIFY_RATE_LIMIT", "10"))
	if err != nil || rate < 0 {
		return nil, fmt.Errorf("VERIFY_RATE_LIMIT: invalid value %q", os.Getenv("VERIFY_RATE_LIMIT"))
	}

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=facematch port=5432 sslmode=disable"),
		RedisAddr:   getEnv("REDIS_ADDR", "redis:6379"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		ModelSources:  splitList(getEnv("MODEL_SOURCES", strings.Join(models.DefaultLocations, ","))),
		ModelCacheDir: getEnv("MODEL_CACHE_DIR", defaultCacheDir()),
		Extractor:     strings.ToLower(getEnv("EXTRACTOR", ExtractorDlib)),
		ExtractorAddr: getEnv("EXTRACTOR_ADDR", "model-service:50051"),

		DefaultThreshold: threshold,
		SessionTTL:       ttl,
		VerifyRateLimit:  rate,
		HEICConverter:    strings.ToLower(getEnv("HEIC_CONVERTER", "auto")),
	}

	switch cfg.Extractor {
	case ExtractorDlib, ExtractorRemote:
	default:
		return nil, fmt.Errorf("EXTRACTOR: unknown extractor %q", cfg.Extractor)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "facematch"
	}
	return ".facematch-cache"
}
