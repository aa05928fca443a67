package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default retention windows: 30 days for messages, 7 days for the
// profile-style conversation cache.
const (
	defaultMessageTTL      = 30 * 24 * time.Hour
	defaultConversationTTL = 7 * 24 * time.Hour
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = 8745
	cfg.Server.DBPath = "./cache"
	cfg.Cache.MessageTTL = Duration(defaultMessageTTL)
	cfg.Cache.ConversationTTL = Duration(defaultConversationTTL)
	cfg.Cache.MaxConversations = 1000
	cfg.Sync.Floor = Duration(time.Minute)
	cfg.Sync.Ceiling = Duration(10 * time.Minute)
	cfg.Sync.BackoffFactor = 1.5
	cfg.Sync.FetchLimit = 100
	cfg.Sync.RateRPS = 1
	cfg.Sync.RateBurst = 2
	cfg.Retention.Enabled = true
	cfg.Retention.Cron = "0 3 * * *"
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads the YAML config at path (optional; defaults apply when the
// path is empty or the file is absent) and then applies environment
// overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployments override the most common knobs without a
// config file. Env wins over file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BRIDGECACHE_ADDR"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("BRIDGECACHE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("BRIDGECACHE_DB_PATH"); v != "" {
		cfg.Server.DBPath = v
	}
	if v := os.Getenv("BRIDGECACHE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BRIDGECACHE_RETENTION_CRON"); v != "" {
		cfg.Retention.Cron = v
	}
}

func validate(cfg *Config) error {
	if cfg.Server.DBPath == "" {
		return fmt.Errorf("server.db_path must be set")
	}
	if cfg.Sync.BackoffFactor != 0 && cfg.Sync.BackoffFactor <= 1 {
		return fmt.Errorf("sync.backoff_factor must be greater than 1")
	}
	if f, c := cfg.Sync.Floor.Duration(), cfg.Sync.Ceiling.Duration(); f > 0 && c > 0 && f > c {
		return fmt.Errorf("sync.floor %s exceeds sync.ceiling %s", f, c)
	}
	if cfg.Cache.MaxConversations < 0 {
		return fmt.Errorf("cache.max_conversations must not be negative")
	}
	return nil
}
