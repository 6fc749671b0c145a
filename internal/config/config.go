// Package config provides environment configuration for the session gateway.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Messaging REST API
	APIBaseURL    string
	APITimeout    time.Duration
	APIGetRetries int

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Sync tunables
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	MaxReconnectAttempts  int
	ConnectAttemptTimeout time.Duration
	MaxSendRetries        int
	SendTimeout           time.Duration
	TypingIdle            time.Duration
	RemoteTypingExpiry    time.Duration
	ReconcileWindow       time.Duration
	HeartbeatInterval     time.Duration

	// Attachments
	MaxAttachmentSize  int64
	AttachmentPrefixes []string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// CORS
	AllowedOrigins []string

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. Variables from a
// .env file in the working directory are applied first without overriding
// the environment.
func Load() *Config {
	_ = godotenv.Load(".env")

	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 0),

		// API
		APIBaseURL:    getEnv("API_BASE_URL", "http://localhost:3000/api"),
		APITimeout:    getDurationEnv("API_TIMEOUT", 15*time.Second),
		APIGetRetries: getIntEnv("API_GET_RETRIES", 3),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Sync
		BackoffBase:           getDurationEnv("BACKOFF_BASE", time.Second),
		BackoffMax:            getDurationEnv("BACKOFF_MAX", 10*time.Second),
		MaxReconnectAttempts:  getIntEnv("MAX_RECONNECT_ATTEMPTS", 10),
		ConnectAttemptTimeout: getDurationEnv("CONNECT_ATTEMPT_TIMEOUT", 10*time.Second),
		MaxSendRetries:        getIntEnv("MAX_SEND_RETRIES", 5),
		SendTimeout:           getDurationEnv("SEND_TIMEOUT", 15*time.Second),
		TypingIdle:            getDurationEnv("TYPING_IDLE", 3*time.Second),
		RemoteTypingExpiry:    getDurationEnv("REMOTE_TYPING_EXPIRY", 5*time.Second),
		ReconcileWindow:       getDurationEnv("RECONCILE_WINDOW", 10*time.Second),
		HeartbeatInterval:     getDurationEnv("HEARTBEAT_INTERVAL", 15*time.Second),

		// Attachments
		MaxAttachmentSize:  getInt64Env("MAX_ATTACHMENT_SIZE", 25<<20),
		AttachmentPrefixes: getListEnv("ATTACHMENT_MIME_PREFIXES", nil),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// CORS
		AllowedOrigins: getListEnv("CORS_ALLOWED_ORIGINS", []string{"https://*", "http://*"}),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
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

// getListEnv splits a comma separated value, dropping empty items.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
