package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Cache.MessageTTL.Duration() != 30*24*time.Hour {
		t.Fatalf("message ttl default: %v", cfg.Cache.MessageTTL.Duration())
	}
	if cfg.Cache.ConversationTTL.Duration() != 7*24*time.Hour {
		t.Fatalf("conversation ttl default: %v", cfg.Cache.ConversationTTL.Duration())
	}
	if cfg.Cache.MaxConversations != 1000 {
		t.Fatalf("max conversations default: %d", cfg.Cache.MaxConversations)
	}
	if cfg.Sync.Floor.Duration() != time.Minute || cfg.Sync.Ceiling.Duration() != 10*time.Minute {
		t.Fatalf("sync window defaults: %v / %v", cfg.Sync.Floor.Duration(), cfg.Sync.Ceiling.Duration())
	}
	if cfg.Sync.BackoffFactor != 1.5 {
		t.Fatalf("backoff factor default: %v", cfg.Sync.BackoffFactor)
	}
	if got := cfg.Addr(); got != "127.0.0.1:8745" {
		t.Fatalf("default addr: %s", got)
	}
}

func TestLoadParsesDurationsAndSizes(t *testing.T) {
	p := writeConfig(t, `
server:
  address: "0.0.0.0"
  port: 9000
  db_path: "/var/lib/bridgecache"
cache:
  message_ttl: "72h"
  conversation_ttl: "24h"
  max_conversations: 50
  max_store_bytes: "256MB"
sync:
  floor: "30s"
  ceiling: "5m"
  backoff_factor: 2.0
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != "0.0.0.0" || cfg.Server.Port != 9000 {
		t.Fatalf("server block: %+v", cfg.Server)
	}
	if cfg.Cache.MessageTTL.Duration() != 72*time.Hour {
		t.Fatalf("message ttl: %v", cfg.Cache.MessageTTL.Duration())
	}
	if cfg.Cache.MaxStoreBytes.Int64() != 256*1000*1000 {
		t.Fatalf("max store bytes: %d", cfg.Cache.MaxStoreBytes.Int64())
	}
	if cfg.Sync.Floor.Duration() != 30*time.Second || cfg.Sync.Ceiling.Duration() != 5*time.Minute {
		t.Fatalf("sync window: %v / %v", cfg.Sync.Floor.Duration(), cfg.Sync.Ceiling.Duration())
	}
	if cfg.Sync.BackoffFactor != 2.0 {
		t.Fatalf("backoff factor: %v", cfg.Sync.BackoffFactor)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load with absent file: %v", err)
	}
	if cfg.Server.Port != 8745 {
		t.Fatalf("defaults not applied: %+v", cfg.Server)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("BRIDGECACHE_PORT", "9100")
	t.Setenv("BRIDGECACHE_LOG_LEVEL", "debug")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Fatalf("env should win over file: %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level env not applied: %s", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadSyncWindow(t *testing.T) {
	p := writeConfig(t, "sync:\n  floor: \"10m\"\n  ceiling: \"1m\"\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("floor above ceiling should fail validation")
	}
}

func TestValidateRejectsBackoffAtOrBelowOne(t *testing.T) {
	p := writeConfig(t, "sync:\n  backoff_factor: 0.5\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("backoff factor <= 1 should fail validation")
	}
}
