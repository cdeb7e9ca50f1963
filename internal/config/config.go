package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all gateway configuration.
// We use a struct (not globals) so it's testable and explicit.
type Config struct {
	// Server
	GatewayAddr string
	Env         string // "development" or "production"
	LogLevel    slog.Level

	// Database (read receipts)
	DatabaseURL string

	// Token requests
	JWTSigningKey string
	TokenKeyName  string
	TokenTTL      time.Duration

	// Chat API used by remote consoles for token requests
	ChatAPIBaseURL string
	ChatAPIToken   string

	// Realtime
	ReconnectBackoff  time.Duration
	PublishRatePerMin int
	AllowedOrigins    []string

	// R2 / File Storage
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
	R2Endpoint        string
	R2PublicURL       string
	MaxUploadBytes    int64

	// Redis (for PubSub horizontal scaling)
	RedisURL   string // e.g., "redis://localhost:6379"
	PubSubType string // "memory" or "redis"
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real env vars win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		GatewayAddr:    getEnvOrDefault("GATEWAY_ADDR", "0.0.0.0:8080"),
		Env:            getEnvOrDefault("APP_ENV", "development"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		JWTSigningKey:  os.Getenv("JWT_SIGNING_KEY"),
		TokenKeyName:   getEnvOrDefault("TOKEN_KEY_NAME", "hirechat"),
		ChatAPIBaseURL: getEnvOrDefault("CHAT_API_BASE_URL", "http://localhost:8080"),
		ChatAPIToken:   os.Getenv("CHAT_API_TOKEN"),
		AllowedOrigins: splitEnv("ALLOWED_ORIGINS", ""),
	}

	var err error
	if cfg.LogLevel, err = parseLevel(getEnvOrDefault("LOG_LEVEL", "info")); err != nil {
		return nil, err
	}
	if cfg.TokenTTL, err = getDuration("TOKEN_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ReconnectBackoff, err = getDuration("RECONNECT_BACKOFF", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PublishRatePerMin, err = getInt("PUBLISH_RATE_PER_MIN", 120); err != nil {
		return nil, err
	}

	// R2 / File Storage configuration
	cfg.R2AccountID = os.Getenv("R2_ACCOUNT_ID")
	cfg.R2AccessKeyID = os.Getenv("R2_ACCESS_KEY_ID")
	cfg.R2SecretAccessKey = os.Getenv("R2_SECRET_ACCESS_KEY")
	cfg.R2Bucket = os.Getenv("R2_BUCKET")
	cfg.R2Endpoint = getEnvOrDefault("R2_ENDPOINT", fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.R2AccountID))
	cfg.R2PublicURL = os.Getenv("R2_PUBLIC_URL")
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", 25*1024*1024) // 25MB default
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	// Redis / PubSub configuration
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.PubSubType = getEnvOrDefault("PUBSUB_TYPE", "memory") // "memory" or "redis"

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSigningKey) < 32 {
		return fmt.Errorf("JWT_SIGNING_KEY must be at least 32 characters")
	}
	switch c.PubSubType {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PUBSUB_TYPE=redis")
		}
	default:
		return fmt.Errorf("PUBSUB_TYPE must be memory or redis, got %q", c.PubSubType)
	}
	if c.PublishRatePerMin < 0 {
		return fmt.Errorf("PUBLISH_RATE_PER_MIN must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// StorageEnabled reports whether R2 credentials are configured
func (c *Config) StorageEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2Bucket != ""
}

// ReceiptsEnabled reports whether read receipts are persisted
func (c *Config) ReceiptsEnabled() bool {
	return c.DatabaseURL != ""
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

// splitEnv splits a comma-separated env var into a slice
func splitEnv(key, defaultVal string) []string {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
