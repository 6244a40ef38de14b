// Package config provides configuration for the chat sync server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the server configuration.
type Config struct {
	// Server settings
	HTTPPort     int    `toml:"http_port"`     // Public port for /api and /ws
	InternalPort int    `toml:"internal_port"` // Ops port for /health and /metrics
	RPCPort      int    `toml:"rpc_port"`      // JSON-RPC port for internal pushes, 0 disables
	Env          string `toml:"env"`

	// Database
	DatabaseDriver string `toml:"database_driver"` // sqlite or postgres
	DatabaseURL    string `toml:"database_url"`

	// Redis relay for multi-node fan-out, empty disables
	RedisURL string `toml:"redis_url"`

	// Auth settings
	JWTSecret string        `toml:"jwt_secret"`
	TokenTTL  time.Duration `toml:"token_ttl"`

	// AI provider
	AIBaseURL      string        `toml:"ai_base_url"`
	AIAPIKey       string        `toml:"ai_api_key"`
	AIModel        string        `toml:"ai_model"`
	AITimeout      time.Duration `toml:"ai_timeout"`
	MockAI         bool          `toml:"mock_ai"`
	MockAIText     string        `toml:"mock_ai_text"`
	MockChunkDelay time.Duration `toml:"mock_chunk_delay"`

	// WebSocket settings
	PingInterval   time.Duration `toml:"ping_interval"`
	WriteTimeout   time.Duration `toml:"write_timeout"`
	ReadTimeout    time.Duration `toml:"read_timeout"`
	MaxMessageSize int64         `toml:"max_message_size"`
	SendBuffer     int           `toml:"send_buffer"`
	AllowedOrigins []string      `toml:"allowed_origins"`

	// Streaming
	StreamTimeout  time.Duration `toml:"stream_timeout"`
	RequestTimeout time.Duration `toml:"request_timeout"`

	// Rate limiting of send commands per identity
	RateLimitPerSecond float64 `toml:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`

	// Logging
	LogLevel string `toml:"log_level"`
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first; CONFIG_FILE names an optional TOML file
// whose values override the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		HTTPPort:           getEnvInt("HTTP_PORT", 8080),
		InternalPort:       getEnvInt("INTERNAL_PORT", 8081),
		RPCPort:            getEnvInt("RPC_PORT", 0),
		Env:                getEnv("APP_ENV", "development"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:        getEnv("DATABASE_URL", "file:chat.db?cache=shared&mode=rwc"),
		RedisURL:           getEnv("REDIS_URL", ""),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		TokenTTL:           getEnvDuration("TOKEN_TTL", 24*time.Hour),
		AIBaseURL:          getEnv("AI_BASE_URL", "https://api.openai.com"),
		AIAPIKey:           getEnv("AI_API_KEY", ""),
		AIModel:            getEnv("AI_MODEL", "gpt-4o-mini"),
		AITimeout:          time.Duration(getEnvInt("AI_TIMEOUT_MS", 30000)) * time.Millisecond,
		MockAI:             getEnvBool("MOCK_AI_RESPONSE", false),
		MockAIText:         getEnv("MOCK_AI_RESPONSE_TEXT", "This is a mock AI response."),
		MockChunkDelay:     time.Duration(getEnvInt("MOCK_AI_CHUNK_DELAY_MS", 100)) * time.Millisecond,
		PingInterval:       time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WriteTimeout:       time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		ReadTimeout:        time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxMessageSize:     int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		SendBuffer:         getEnvInt("WS_SEND_BUFFER", 256),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
		StreamTimeout:      time.Duration(getEnvInt("STREAM_TIMEOUT_MS", 300000)) * time.Millisecond,
		RequestTimeout:     time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 30000)) * time.Millisecond,
		RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 2),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 5),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays values from a TOML file onto cfg.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if !c.MockAI && c.AIBaseURL == "" {
		return fmt.Errorf("AI_BASE_URL is required unless MOCK_AI_RESPONSE=true")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
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

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
