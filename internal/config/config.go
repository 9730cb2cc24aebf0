package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the system-wide runtime configuration. Precedence when loading
// is file > environment > defaults.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Database  *DatabaseConfig  `json:"database"`
	Auth      *AuthConfig      `json:"auth"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval        time.Duration `json:"ping_interval"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	SendQueueSize       int           `json:"send_queue_size"`
	MaxInboundPerMinute int           `json:"max_inbound_per_minute"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

// AuthConfig carries the securecookie keys (hex-encoded) and the session
// token lifetime. Empty keys mean random per-process keys, which is fine
// for development but logs everyone out on restart.
type AuthConfig struct {
	HashKey  string        `json:"hash_key"`
	BlockKey string        `json:"block_key"`
	TokenTTL time.Duration `json:"token_ttl"`
}

// DefaultConfig returns production-shaped defaults: heartbeat every 30s
// with a 60s read deadline, 100-event send queues, week-long sessions.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:        30 * time.Second,
			ReadTimeout:         60 * time.Second,
			WriteTimeout:        10 * time.Second,
			SendQueueSize:       100,
			MaxInboundPerMinute: 120,
		},
		Database: &DatabaseConfig{
			Path: "./downbeat.db",
		},
		Auth: &AuthConfig{
			TokenTTL: 7 * 24 * time.Hour,
		},
	}
}

// Validate rejects configurations that would fail at runtime.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendQueueSize <= 0 {
		return fmt.Errorf("WebSocket send queue size must be positive")
	}
	if c.WebSocket.MaxInboundPerMinute <= 0 {
		return fmt.Errorf("WebSocket inbound rate limit must be positive")
	}

	if c.Database == nil || c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	return nil
}

// LoadFromEnv overlays DOWNBEAT_* environment variables on the defaults.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if host := os.Getenv("DOWNBEAT_HTTP_HOST"); host != "" {
		cfg.HTTP.Host = host
	}
	if port := os.Getenv("DOWNBEAT_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.HTTP.Port = p
		}
	}
	if v := os.Getenv("DOWNBEAT_HTTP_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.ReadTimeout = d
		}
	}
	if v := os.Getenv("DOWNBEAT_HTTP_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HTTP.WriteTimeout = d
		}
	}

	if v := os.Getenv("DOWNBEAT_WS_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.PingInterval = d
		}
	}
	if v := os.Getenv("DOWNBEAT_WS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.ReadTimeout = d
		}
	}
	if v := os.Getenv("DOWNBEAT_WS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WebSocket.WriteTimeout = d
		}
	}
	if v := os.Getenv("DOWNBEAT_WS_SEND_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebSocket.SendQueueSize = n
		}
	}
	if v := os.Getenv("DOWNBEAT_WS_MAX_INBOUND_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebSocket.MaxInboundPerMinute = n
		}
	}

	if path := os.Getenv("DOWNBEAT_DATABASE_PATH"); path != "" {
		cfg.Database.Path = path
	}

	if key := os.Getenv("DOWNBEAT_AUTH_HASH_KEY"); key != "" {
		cfg.Auth.HashKey = key
	}
	if key := os.Getenv("DOWNBEAT_AUTH_BLOCK_KEY"); key != "" {
		cfg.Auth.BlockKey = key
	}
	if v := os.Getenv("DOWNBEAT_AUTH_TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Auth.TokenTTL = d
		}
	}

	return cfg
}

// configFile mirrors Config with string durations for JSON parsing.
type configFile struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval        string `json:"ping_interval"`
		ReadTimeout         string `json:"read_timeout"`
		WriteTimeout        string `json:"write_timeout"`
		SendQueueSize       int    `json:"send_queue_size"`
		MaxInboundPerMinute int    `json:"max_inbound_per_minute"`
	} `json:"websocket"`
	Database *struct {
		Path string `json:"path"`
	} `json:"database"`
	Auth *struct {
		HashKey  string `json:"hash_key"`
		BlockKey string `json:"block_key"`
		TokenTTL string `json:"token_ttl"`
	} `json:"auth"`
}

// LoadFromFile overlays a JSON configuration file on the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := DefaultConfig()

	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			cfg.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			cfg.HTTP.Port = file.HTTP.Port
		}
		applyDuration(&cfg.HTTP.ReadTimeout, file.HTTP.ReadTimeout)
		applyDuration(&cfg.HTTP.WriteTimeout, file.HTTP.WriteTimeout)
	}

	if file.WebSocket != nil {
		applyDuration(&cfg.WebSocket.PingInterval, file.WebSocket.PingInterval)
		applyDuration(&cfg.WebSocket.ReadTimeout, file.WebSocket.ReadTimeout)
		applyDuration(&cfg.WebSocket.WriteTimeout, file.WebSocket.WriteTimeout)
		if file.WebSocket.SendQueueSize > 0 {
			cfg.WebSocket.SendQueueSize = file.WebSocket.SendQueueSize
		}
		if file.WebSocket.MaxInboundPerMinute > 0 {
			cfg.WebSocket.MaxInboundPerMinute = file.WebSocket.MaxInboundPerMinute
		}
	}

	if file.Database != nil && file.Database.Path != "" {
		cfg.Database.Path = file.Database.Path
	}

	if file.Auth != nil {
		if file.Auth.HashKey != "" {
			cfg.Auth.HashKey = file.Auth.HashKey
		}
		if file.Auth.BlockKey != "" {
			cfg.Auth.BlockKey = file.Auth.BlockKey
		}
		applyDuration(&cfg.Auth.TokenTTL, file.Auth.TokenTTL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// LoadWithPrecedence loads configuration with file > environment >
// defaults. File errors fall back silently to the environment layer.
func LoadWithPrecedence(path string) *Config {
	cfg := LoadFromEnv()

	if path != "" {
		if fileCfg, err := LoadFromFile(path); err == nil {
			cfg = fileCfg
		}
	}

	return cfg
}

func applyDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
