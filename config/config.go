// Package config provides configuration for the foodchat server.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is unset.
const DefaultSystemPrompt = `You are the ordering assistant of a small restaurant. ` +
	`Use the tools to look up the menu and opening hours, manage the cart and place orders. ` +
	`Never invent menu items or prices.`

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort     int
	InternalPort int

	// Database
	DatabaseURL string

	// Model settings
	LiteLLMURL    string
	LiteLLMAPIKey string
	LLMModel      string
	LLMTimeout    time.Duration
	Mode          string
	SystemPrompt  string

	// Agent and step execution
	AgentMaxSteps      int
	StepMaxAttempts    int
	StepRetryInitial   time.Duration
	StepRetryMax       time.Duration
	ToolTimeout        time.Duration
	StreamPollInterval time.Duration

	// Auth and policy
	JWTSecret  string
	PolicyPath string

	// WebSocket settings
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration

	// Observability
	LogLevel     string
	LogNoColor   bool
	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads an optional .env file and then the environment. Variables
// already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return FromEnv(), nil
}

// FromEnv builds the configuration from environment variables only.
func FromEnv() *Config {
	return &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		InternalPort:       getEnvInt("INTERNAL_PORT", 8081),
		DatabaseURL:        getEnv("DATABASE_URL", "file:foodchat.db?cache=shared&mode=rwc&_busy_timeout=5000"),
		LiteLLMURL:         getEnv("LITELLM_URL", "http://localhost:4000/v1"),
		LiteLLMAPIKey:      getEnv("LITELLM_API_KEY", ""),
		LLMModel:           getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout:         getEnvMillis("LLM_TIMEOUT_MS", 120000),
		Mode:               getEnv("GOGO_MODE", ""),
		SystemPrompt:       getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		AgentMaxSteps:      getEnvInt("AGENT_MAX_STEPS", 5),
		StepMaxAttempts:    getEnvInt("STEP_MAX_ATTEMPTS", 3),
		StepRetryInitial:   getEnvMillis("STEP_RETRY_INITIAL_MS", 200),
		StepRetryMax:       getEnvMillis("STEP_RETRY_MAX_MS", 5000),
		ToolTimeout:        getEnvMillis("TOOL_TIMEOUT_MS", 10000),
		StreamPollInterval: getEnvMillis("STREAM_POLL_INTERVAL_MS", 100),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		PolicyPath:         getEnv("POLICY_PATH", ""),
		WSPingInterval:     getEnvMillis("WS_PING_INTERVAL_MS", 30000),
		WSWriteTimeout:     getEnvMillis("WS_WRITE_TIMEOUT_MS", 10000),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogNoColor:         getEnvBool("NO_COLOR", false),
		OTLPEndpoint:       getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       getEnvBool("OTEL_INSECURE", true),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}

func getEnvBool(key string, defaultVal bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultVal
}
