package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL    string
	MigrationsPath string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Gemini AI
	GeminiAPIKey string
	GeminiModel  string

	// Chat pipeline
	ChatFunctionURL    string
	ChatRateLimit      int
	ChatRateWindow     time.Duration
	ChatChunkCap       int
	ChatRevealDelay    time.Duration
	ChatRequestTimeout time.Duration
	ChatIdleTTL        time.Duration

	// Chat function
	ChatMonthlyAllowance int

	// Frontend
	FrontendURL string
}

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	port := getEnvOrDefault("PORT", "8080")

	cfg := &Config{
		Port:                 port,
		Env:                  getEnvOrDefault("ENV", "development"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:          mustGetEnv("DATABASE_URL"),
		MigrationsPath:       getEnvOrDefault("MIGRATIONS_PATH", "migrations"),
		RedisURL:             mustGetEnv("REDIS_URL"),
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		GeminiAPIKey:         mustGetEnv("GEMINI_API_KEY"),
		GeminiModel:          getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		ChatFunctionURL:      getEnvOrDefault("CHAT_FUNCTION_URL", fmt.Sprintf("http://localhost:%s/api/v1/functions/coach-chat", port)),
		ChatRateLimit:        getEnvAsIntOrDefault("CHAT_RATE_LIMIT", 10),
		ChatRateWindow:       getEnvAsDurationOrDefault("CHAT_RATE_WINDOW", time.Minute),
		ChatChunkCap:         getEnvAsIntOrDefault("CHAT_CHUNK_CAP", 150),
		ChatRevealDelay:      getEnvAsDurationOrDefault("CHAT_REVEAL_DELAY", 1200*time.Millisecond),
		ChatRequestTimeout:   getEnvAsDurationOrDefault("CHAT_REQUEST_TIMEOUT", 60*time.Second),
		ChatIdleTTL:          getEnvAsDurationOrDefault("CHAT_IDLE_TTL", 30*time.Minute),
		ChatMonthlyAllowance: getEnvAsIntOrDefault("CHAT_MONTHLY_ALLOWANCE", 500),
		FrontendURL:          getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func mustGetEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return val
}

func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvAsIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// getEnvAsDurationOrDefault accepts Go durations ("90s") or bare
// milliseconds ("1200").
func getEnvAsDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(val); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
