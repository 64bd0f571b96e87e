package config

import (
	"log"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration. It is loaded once at startup and
// passed explicitly; components never read environment variables themselves.
type Config struct {
	Port    string
	GinMode string

	// Store
	RedisURL string

	// Cluster
	NatsURL string
	Workers int

	// Connection lifecycle
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration

	// Rate limiting (connections per source address per minute)
	ConnRateLimit int

	// CORS
	CORSOrigin string

	// Server
	ServerShutdownTimeoutSeconds int

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Store
		RedisURL: getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),

		// Cluster
		NatsURL: getEnvOrDefault("NATS_URL", ""),
		Workers: getEnvAsInt("WORKERS", runtime.NumCPU()),

		// Connection lifecycle
		PingInterval:     getEnvAsMillis("PING_INTERVAL", 30000*time.Millisecond),
		HeartbeatTimeout: getEnvAsMillis("HEARTBEAT_TIMEOUT", 60000*time.Millisecond),

		// Rate limiting
		ConnRateLimit: getEnvAsInt("CONN_RATE_LIMIT", 100),

		// CORS
		CORSOrigin: getEnvOrDefault("CORS_ORIGIN", "*"),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if cfg.NatsURL == "" {
		log.Println("NATS_URL not set, cluster bridge disabled")
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

// getEnvAsMillis parses an environment variable holding a millisecond count.
func getEnvAsMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return time.Duration(parsed) * time.Millisecond
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as milliseconds, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
