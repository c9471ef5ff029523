// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MaxOperatorTextLength is the Telegram sendMessage limit, in characters.
const MaxOperatorTextLength = 4096

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string

	// Storage
	StoreBackend     string
	DatabaseURL      string
	DatabaseMaxConns int
	DatabaseMigrate  bool

	// Redis settings, used for webhook de-duplication
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS settings; an empty URL forwards synchronously
	NATSURL        string
	NATSClientName string
	NATSCAFile     string
	NATSCertFile   string
	NATSKeyFile    string
	NATSToken      string

	// JWT settings
	JWTSecret string

	// Telegram operator console
	TelegramBotToken      string
	TelegramSupportChatID int64
	TelegramWebhookSecret string
	TelegramAPIEndpoint   string

	// Relay
	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration
	MaxMessageLength     int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	Env      string
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first if present; real environment wins.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSAllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"*"}),

		// Storage
		StoreBackend:     getEnv("STORE_BACKEND", StoreMemory),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		DatabaseMaxConns: getIntEnv("DATABASE_MAX_CONNS", 10),
		DatabaseMigrate:  getBoolEnv("DATABASE_MIGRATE", true),

		// Redis
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// NATS
		NATSURL:        getEnv("NATS_URL", ""),
		NATSClientName: getEnv("NATS_CLIENT_NAME", "support-relay"),
		NATSCAFile:     getEnv("NATS_CA_FILE", ""),
		NATSCertFile:   getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:    getEnv("NATS_KEY_FILE", ""),
		NATSToken:      getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Telegram
		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramSupportChatID: getInt64Env("TELEGRAM_SUPPORT_CHAT_ID", 0),
		TelegramWebhookSecret: getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		TelegramAPIEndpoint:   getEnv("TELEGRAM_API_ENDPOINT", ""),

		// Relay
		SessionIdleTTL:       getDurationEnv("SESSION_IDLE_TTL", 0),
		SessionSweepInterval: getDurationEnv("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		MaxMessageLength:     getIntEnv("MAX_MESSAGE_LENGTH", 4000),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		Env:      getEnv("ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_BACKEND=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.TelegramBotToken != "" && c.TelegramSupportChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_SUPPORT_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set"))
	}
	if c.TelegramBotToken != "" && c.TelegramWebhookSecret == "" {
		errs = append(errs, errors.New("TELEGRAM_WEBHOOK_SECRET is required when TELEGRAM_BOT_TOKEN is set"))
	}
	if c.SessionIdleTTL < 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TTL must not be negative"))
	}
	if c.SessionIdleTTL > 0 && c.SessionSweepInterval <= 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL must be positive when eviction is enabled"))
	}
	if c.MaxMessageLength <= 0 || c.MaxMessageLength > MaxOperatorTextLength {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_LENGTH must be between 1 and %d", MaxOperatorTextLength))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive"))
	}

	return errors.Join(errs...)
}

// TelegramEnabled reports whether an operator console is configured.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
