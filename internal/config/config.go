// Package config loads the Shield's process-wide configuration from the
// environment (prefix WS_), following the teacher's env-var loading shape
// but generalized to the Shield's own knobs.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the Shield process's static configuration, read once at start.
type Config struct {
	DataDir   string
	CacheRoot string
	AdminPort int
	LogLevel  string
	LogFormat string

	MaxRequestBody int64

	CrawlerDefaultConcurrency int
	CrawlerDefaultDelay       time.Duration
	CrawlerDefaultMaxPages    int

	RateLimitDefaultRequests int
	RateLimitDefaultWindow   time.Duration

	EventRetentionDays int
	EventRingSize      int

	SecretKey []byte
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Load reads .env (if present, non-fatal when absent) then environment
// variables, filling in defaults, and bootstraps the persistent secret key.
func Load() (*Config, error) {
	// godotenv.Load returns an error when no .env file is present; that is
	// expected in production and must not be fatal.
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:                   getEnvOrDefault("WS_DATA_DIR", "./data"),
		AdminPort:                 getIntOrDefault("WS_ADMIN_PORT", 8090),
		LogLevel:                  getEnvOrDefault("WS_LOG_LEVEL", "info"),
		LogFormat:                 getEnvOrDefault("WS_LOG_FORMAT", "json"),
		MaxRequestBody:            getInt64OrDefault("WS_MAX_REQUEST_BODY", 10<<20),
		CrawlerDefaultConcurrency: getIntOrDefault("WS_CRAWLER_DEFAULT_CONCURRENCY", 8),
		CrawlerDefaultDelay:       time.Duration(getIntOrDefault("WS_CRAWLER_DEFAULT_DELAY_MS", 250)) * time.Millisecond,
		CrawlerDefaultMaxPages:    getIntOrDefault("WS_CRAWLER_DEFAULT_MAX_PAGES", 5000),
		RateLimitDefaultRequests:  getIntOrDefault("WS_RATE_LIMIT_DEFAULT_REQUESTS", 60),
		RateLimitDefaultWindow:    time.Duration(getIntOrDefault("WS_RATE_LIMIT_DEFAULT_WINDOW_SECONDS", 60)) * time.Second,
		EventRetentionDays:        getIntOrDefault("WS_EVENT_RETENTION_DAYS", 30),
		EventRingSize:             getIntOrDefault("WS_EVENT_RING_SIZE", 1000),
	}
	cfg.CacheRoot = getEnvOrDefault("WS_CACHE_ROOT", filepath.Join(cfg.DataDir, "cache"))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return nil, err
	}

	secret, err := loadOrCreateSecretKey(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.SecretKey = secret

	return cfg, nil
}

// loadOrCreateSecretKey reads <data_dir>/.secret_key, generating a fresh
// 32-byte random key on first run with file mode 0600.
func loadOrCreateSecretKey(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, ".secret_key")

	if data, err := os.ReadFile(path); err == nil {
		return hex.DecodeString(string(data))
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	encoded := hex.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, err
	}
	return raw, nil
}
