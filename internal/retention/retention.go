// Package retention keeps the encrypted record store bounded: TTL
// eviction, LRU bounding of the conversation cache and a disk-usage
// check, run on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"bridgecache/pkg/config"
	"bridgecache/pkg/logger"
	"bridgecache/pkg/store"
	"bridgecache/pkg/telemetry"
)

var storedCfg *config.Config
var storedStore *store.Store

// Register stores the effective config and store so admin triggers (and
// tests) can invoke retention runs on demand.
func Register(cfg *config.Config, st *store.Store) {
	storedCfg = cfg
	storedStore = st
}

// RunImmediate triggers a single retention run using the registered
// config. Returns an error if nothing was registered.
func RunImmediate(ctx context.Context) error {
	if storedCfg == nil || storedStore == nil {
		return fmt.Errorf("no config registered for retention run")
	}
	return runOnce(ctx, storedCfg, storedStore)
}

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg *config.Config, st *store.Store) (context.CancelFunc, error) {
	if !cfg.Retention.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	// map empty cron to default daily @03:00
	cronExpr := cfg.Retention.Cron
	if cronExpr == "" {
		cronExpr = "0 3 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Retention.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Retention.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr,
		"message_ttl", cfg.Cache.MessageTTL.Duration().String(),
		"conversation_ttl", cfg.Cache.ConversationTTL.Duration().String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, st, cronExpr)
	logger.Info("retention_scheduler_started")
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured
// cron expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg *config.Config, st *store.Store, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("retention_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if err := runOnce(ctx, cfg, st); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// runOnce performs one full lifecycle pass: TTL eviction, LRU bound,
// disk-usage check.
func runOnce(ctx context.Context, cfg *config.Config, st *store.Store) error {
	start := time.Now()
	removed, err := st.EvictExpired(cfg.Cache.MessageTTL.Duration(), cfg.Cache.ConversationTTL.Duration())
	if err != nil {
		return fmt.Errorf("evict expired: %w", err)
	}
	bounded, err := EnforceBound(st, cfg.Cache.MaxConversations)
	if err != nil {
		return fmt.Errorf("enforce bound: %w", err)
	}

	if max := cfg.Cache.MaxStoreBytes.Int64(); max > 0 {
		if used := st.DiskUsage(); used > max {
			logger.Warn("cache_disk_usage_over_bound", "used_bytes", used, "max_bytes", max)
			audit("retention_disk_over_bound", "used_bytes", used, "max_bytes", max)
		}
	}

	logger.Info("retention_run_done", "evicted", removed, "bounded", bounded, "took", time.Since(start).String())
	audit("retention_run", "evicted", removed, "bounded", bounded)
	return nil
}

// EnforceBound evicts least-recently-cached conversations (and their
// messages) beyond maxEntries. A zero or negative bound disables it.
func EnforceBound(st *store.Store, maxEntries int) (int, error) {
	if maxEntries <= 0 {
		return 0, nil
	}
	entries, err := st.ConversationEntries()
	if err != nil {
		return 0, err
	}
	if len(entries) <= maxEntries {
		return 0, nil
	}
	// entries are oldest-first; drop from the front.
	over := entries[:len(entries)-maxEntries]
	removed := 0
	for _, e := range over {
		if err := st.PurgeConversation(e.Pubkey); err != nil {
			logger.Warn("enforce_bound_purge_failed", "conversation", e.Pubkey, "error", err)
			continue
		}
		removed++
		telemetry.RecordsEvicted.Inc()
	}
	if removed > 0 {
		logger.Info("enforce_bound_evicted", "removed", removed, "max_entries", maxEntries)
	}
	return removed, nil
}

func audit(msg string, args ...any) {
	if logger.Audit != nil {
		logger.Audit.Info(msg, args...)
		return
	}
	logger.Info(msg, args...)
}
