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
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// JWT
	JWTSecret string

	// Gemini AI
	GeminiAPIKey         string
	GeminiConcurrentReqs int

	// Assistant
	ContextWindowSize int
	SummaryCharLimit  int
	CallTimeout       time.Duration
	SummaryModel      string
	SystemPrompt      string
	CompletionURL     string
	SummarizeURL      string
	ProxyToken        string
	SummaryCacheTTL   time.Duration
	AIRateLimitPerMin int
	ModelProfilesPath string
	DefaultModelID    string

	// Frontend
	FrontendURL string
}

const defaultSystemPrompt = "You are HackHub's assistant for hackathon teams. Be concise and practical. When pointing to a resource, write LINK[<url>|<label>]."

func Load() *Config {
	// Load .env file if it exists
	godotenv.Load()

	cfg := &Config{
		Port:                 getEnvOrDefault("PORT", "8080"),
		Env:                  getEnvOrDefault("ENV", "development"),
		DatabaseURL:          mustGetEnv("DATABASE_URL"),
		RedisURL:             mustGetEnv("REDIS_URL"),
		JWTSecret:            mustGetEnv("JWT_SECRET"),
		GeminiAPIKey:         getEnvOrDefault("GEMINI_API_KEY", ""),
		GeminiConcurrentReqs: getEnvAsIntOrDefault("GEMINI_CONCURRENT_REQUESTS", 5),
		ContextWindowSize:    getEnvAsIntOrDefault("ASSISTANT_CONTEXT_WINDOW", 10),
		SummaryCharLimit:     getEnvAsIntOrDefault("ASSISTANT_SUMMARY_CHAR_LIMIT", 12000),
		CallTimeout:          time.Duration(getEnvAsIntOrDefault("ASSISTANT_CALL_TIMEOUT_SECONDS", 30)) * time.Second,
		SummaryModel:         getEnvOrDefault("ASSISTANT_SUMMARY_MODEL", "gemini-2.0-flash"),
		SystemPrompt:         getEnvOrDefault("ASSISTANT_SYSTEM_PROMPT", defaultSystemPrompt),
		CompletionURL:        getEnvOrDefault("ASSISTANT_COMPLETION_URL", ""),
		SummarizeURL:         getEnvOrDefault("ASSISTANT_SUMMARIZE_URL", ""),
		ProxyToken:           getEnvOrDefault("ASSISTANT_PROXY_TOKEN", ""),
		SummaryCacheTTL:      time.Duration(getEnvAsIntOrDefault("SUMMARY_CACHE_TTL_HOURS", 24)) * time.Hour,
		AIRateLimitPerMin:    getEnvAsIntOrDefault("AI_RATE_LIMIT_PER_MINUTE", 30),
		ModelProfilesPath:    getEnvOrDefault("MODEL_PROFILES_PATH", ""),
		DefaultModelID:       getEnvOrDefault("ASSISTANT_DEFAULT_MODEL", ""),
		FrontendURL:          getEnvOrDefault("FRONTEND_URL", "http://localhost:5173"),
	}

	return cfg
}

// AssistantConfigured reports whether any completion backend is available.
func (c *Config) AssistantConfigured() bool {
	return c.GeminiAPIKey != "" || c.CompletionURL != ""
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
