package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Cache   CacheConfig   `yaml:"cache"`
	Queue   QueueConfig   `yaml:"queue"`
	Channel ChannelConfig `yaml:"channel"`
	Push    PushConfig    `yaml:"push"`
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig contains the local proxy listener settings
type AgentConfig struct {
	Addr           string   `yaml:"addr" validate:"required"`
	Upstream       string   `yaml:"upstream" validate:"required,url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// CacheConfig contains cache store settings
type CacheConfig struct {
	DataDir              string   `yaml:"data_dir" validate:"required"`
	Generation           string   `yaml:"generation" validate:"required"`
	HotEntries           int      `yaml:"hot_entries" validate:"min=0"`
	HotExpirationSeconds int      `yaml:"hot_expiration_seconds" validate:"min=0"`
	PrecacheManifest     []string `yaml:"precache_manifest"`
	OfflinePage          string   `yaml:"offline_page"`
}

// QueueConfig contains mutation sync queue settings
type QueueConfig struct {
	DataDir          string  `yaml:"data_dir" validate:"required"`
	MaxAttempts      int     `yaml:"max_attempts" validate:"min=1"`
	ReplaysPerSecond float64 `yaml:"replays_per_second" validate:"gt=0"`
	ReplayBurst      int     `yaml:"replay_burst" validate:"min=1"`
}

// ChannelConfig contains real-time channel settings
type ChannelConfig struct {
	Host                 string `yaml:"host" validate:"required"`
	Port                 int    `yaml:"port" validate:"min=1,max=65535"`
	Secure               bool   `yaml:"secure"`
	HeartbeatSeconds     int    `yaml:"heartbeat_seconds" validate:"min=1"`
	ReconnectInitialMs   int    `yaml:"reconnect_initial_ms" validate:"min=1"`
	ReconnectMaxMs       int    `yaml:"reconnect_max_ms" validate:"min=1"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts" validate:"min=1"`
}

// PushConfig contains notification display defaults
type PushConfig struct {
	DefaultTitle     string `yaml:"default_title"`
	DefaultIcon      string `yaml:"default_icon"`
	DefaultBadge     string `yaml:"default_badge"`
	MarkReadEndpoint string `yaml:"mark_read_endpoint"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	IncludeCaller bool   `yaml:"include_caller"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Addr:           ":8490",
			Upstream:       "https://api.madrasti.app",
			AllowedOrigins: []string{"*"},
		},
		Cache: CacheConfig{
			DataDir:              "./data/cache",
			Generation:           "madrasti-v2",
			HotEntries:           512,
			HotExpirationSeconds: 30,
			PrecacheManifest: []string{
				"/",
				"/offline.html",
				"/manifest.json",
				"/static/js/bundle.js",
				"/static/css/main.css",
			},
			OfflinePage: "/offline.html",
		},
		Queue: QueueConfig{
			DataDir:          "./data/queue",
			MaxAttempts:      10,
			ReplaysPerSecond: 5,
			ReplayBurst:      5,
		},
		Channel: ChannelConfig{
			Host:                 "api.madrasti.app",
			Port:                 8765,
			Secure:               true,
			HeartbeatSeconds:     30,
			ReconnectInitialMs:   1000,
			ReconnectMaxMs:       30000,
			MaxReconnectAttempts: 5,
		},
		Push: PushConfig{
			DefaultTitle:     "Madrasti",
			DefaultIcon:      "/icons/icon-192.png",
			DefaultBadge:     "/icons/badge-72.png",
			MarkReadEndpoint: "/api/notifications/mark-read",
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: true,
		},
	}
}

// Load reads configuration from the given YAML file, applies environment
// overrides, and validates the result. A missing file is not an error; the
// defaults are used.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			log.Warn().Str("path", path).Msg("Config file not found, using defaults")
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides lets deployment environments override the file
func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("MADRASTI_AGENT_ADDR"); v != "" {
		cfg.Agent.Addr = v
	}
	if v := os.Getenv("MADRASTI_UPSTREAM"); v != "" {
		cfg.Agent.Upstream = v
	}
	if v := os.Getenv("MADRASTI_CACHE_DIR"); v != "" {
		cfg.Cache.DataDir = v
	}
	if v := os.Getenv("MADRASTI_CACHE_GENERATION"); v != "" {
		cfg.Cache.Generation = v
	}
	if v := os.Getenv("MADRASTI_QUEUE_DIR"); v != "" {
		cfg.Queue.DataDir = v
	}
	if v := os.Getenv("MADRASTI_CHANNEL_HOST"); v != "" {
		cfg.Channel.Host = v
	}
	if v := os.Getenv("MADRASTI_CHANNEL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Channel.Port = port
		} else {
			log.Warn().Str("value", v).Msg("Invalid MADRASTI_CHANNEL_PORT, ignoring")
		}
	}
	if v := os.Getenv("MADRASTI_CHANNEL_SECURE"); v != "" {
		if secure, err := strconv.ParseBool(v); err == nil {
			cfg.Channel.Secure = secure
		}
	}
	if v := os.Getenv("MADRASTI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
