// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	ChatAPIURL     string        `yaml:"chat_api_url"`
	WebSocketURL   string        `yaml:"websocket_url"`
	DBPath         string        `yaml:"db_path"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`

	Cache           CacheConfig           `yaml:"cache"`
	Realtime        RealtimeConfig        `yaml:"realtime"`
	Pipeline        PipelineConfig        `yaml:"pipeline"`
	Room            RoomConfig            `yaml:"room"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
	Sandbox         SandboxConfig         `yaml:"sandbox"`
	Retry           RetryConfig           `yaml:"retry"`
}

// CacheConfig controls the time-to-live of client-side caches.
type CacheConfig struct {
	DirectoryTTL time.Duration `yaml:"directory_ttl"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// RealtimeConfig controls the shared WebSocket channel.
type RealtimeConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	StreamBuffer      int           `yaml:"stream_buffer"`
}

// PipelineConfig controls the agent creation pipeline.
type PipelineConfig struct {
	CredentialRetries    int           `yaml:"credential_retries"`
	CredentialRetryDelay time.Duration `yaml:"credential_retry_delay"`
}

// RoomConfig controls the chat room controller.
type RoomConfig struct {
	LoadThrottle        time.Duration `yaml:"load_throttle"`
	TranscriptPollDelay time.Duration `yaml:"transcript_poll_delay"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queue_size"`
}

// SandboxConfig controls the local in-memory backend.
type SandboxConfig struct {
	Addr      string        `yaml:"addr"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	AIDelay   time.Duration `yaml:"ai_delay"`
}

// RetryConfig controls retry behavior for local storage writes.
type RetryConfig struct {
	StoreMaxRetries     int           `yaml:"store_max_retries"`
	StoreRetryBaseDelay time.Duration `yaml:"store_retry_base_delay"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile reads configuration from environment variables and overlays the
// YAML file at path. Fields absent from the file keep their env value.
func LoadFile(path string) (*Config, error) {
	cfg := fromEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromEnv() *Config {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	apiBase := getEnv("AGENTLINK_API_URL", "http://localhost:8089/api/")

	return &Config{
		APIBaseURL:     apiBase,
		ChatAPIURL:     getEnv("AGENTLINK_CHAT_API_URL", strings.TrimSuffix(apiBase, "/")+"/agent-chat"),
		WebSocketURL:   getEnv("AGENTLINK_WS_URL", "ws://localhost:8089/agent-chat"),
		DBPath:         getEnv("AGENTLINK_DB_PATH", "./data/agentlink.db"),
		RequestTimeout: getEnvDuration("AGENTLINK_REQUEST_TIMEOUT", 30*time.Second),
		LogLevel:       getEnv("AGENTLINK_LOG_LEVEL", "info"),
		LogFormat:      getEnv("AGENTLINK_LOG_FORMAT", "json"),
		Cache: CacheConfig{
			DirectoryTTL: getEnvDuration("AGENTLINK_DIRECTORY_TTL", 30*time.Second),
			SessionTTL:   getEnvDuration("AGENTLINK_SESSION_TTL", 30*time.Second),
		},
		Realtime: RealtimeConfig{
			InactivityTimeout: getEnvDuration("AGENTLINK_WS_INACTIVITY_TIMEOUT", 5*time.Minute),
			DialTimeout:       getEnvDuration("AGENTLINK_WS_DIAL_TIMEOUT", 10*time.Second),
			StreamBuffer:      getEnvInt("AGENTLINK_WS_STREAM_BUFFER", 64),
		},
		Pipeline: PipelineConfig{
			CredentialRetries:    getEnvInt("AGENTLINK_VC_RETRIES", 4),
			CredentialRetryDelay: getEnvDuration("AGENTLINK_VC_RETRY_DELAY", time.Second),
		},
		Room: RoomConfig{
			LoadThrottle:        getEnvDuration("AGENTLINK_ROOM_LOAD_THROTTLE", time.Second),
			TranscriptPollDelay: getEnvDuration("AGENTLINK_TRANSCRIPT_POLL_DELAY", 2*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", false),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
		Sandbox: SandboxConfig{
			Addr:      getEnv("AGENTLINK_SANDBOX_ADDR", ":8089"),
			JWTSecret: getEnv("AGENTLINK_SANDBOX_SECRET", "sandbox-secret"),
			TokenTTL:  getEnvDuration("AGENTLINK_SANDBOX_TOKEN_TTL", time.Hour),
			AIDelay:   getEnvDuration("AGENTLINK_SANDBOX_AI_DELAY", 300*time.Millisecond),
		},
		Retry: RetryConfig{
			StoreMaxRetries:     getEnvInt("AGENTLINK_STORE_MAX_RETRIES", 3),
			StoreRetryBaseDelay: getEnvDuration("AGENTLINK_STORE_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("AGENTLINK_API_URL cannot be empty")
	}
	if c.ChatAPIURL == "" {
		return fmt.Errorf("AGENTLINK_CHAT_API_URL cannot be empty")
	}
	if c.WebSocketURL == "" {
		return fmt.Errorf("AGENTLINK_WS_URL cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("AGENTLINK_DB_PATH cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("AGENTLINK_REQUEST_TIMEOUT must be > 0")
	}
	if c.Pipeline.CredentialRetries < 0 {
		return fmt.Errorf("AGENTLINK_VC_RETRIES must be >= 0")
	}
	if c.Realtime.StreamBuffer <= 0 {
		return fmt.Errorf("AGENTLINK_WS_STREAM_BUFFER must be > 0")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if the API points at a local backend.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.APIBaseURL, "localhost") ||
		strings.Contains(c.APIBaseURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
