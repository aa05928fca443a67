// Package progressor runs one-time upgrade work between cache versions.
// Runs are version-gated and idempotent; an in-progress marker makes an
// interrupted migration re-run on the next startup.
package progressor

import (
	"context"
	"encoding/json"
	"time"

	"bridgecache/pkg/logger"
	"bridgecache/pkg/store"
)

const (
	systemVersionKey    = "system:version"
	systemInProgressKey = "system:migration_in_progress"
)

// Sync performs upgrade work between versions. Edit in-place for
// migration logic.
func Sync(ctx context.Context, st *store.Store, from, to string) error {
	logger.Info("progressor_sync_start", "from", from, "to", to)

	// Migration: earlier cache versions allowed self-conversations
	// (counterpart == local user). Those records are invalid and would
	// render as a phantom "conversation with self"; purge them together
	// with their messages. Safe to run repeatedly.
	self := st.Identity()
	if self != "" {
		entries, err := st.ConversationEntries()
		if err != nil {
			logger.Error("progressor_list_conversations_failed", "error", err)
			return err
		}
		for _, e := range entries {
			if e.Pubkey != self {
				continue
			}
			if err := st.PurgeConversation(e.Pubkey); err != nil {
				logger.Error("progressor_purge_self_conversation_failed", "error", err)
				continue
			}
			logger.Info("progressor_self_conversation_purged")
		}
	}

	logger.Info("progressor_sync_done", "from", from, "to", to)
	return nil
}

// Run checks for a version change and runs Sync if needed.
// Returns (invoked, error): invoked is true if Sync ran.
func Run(ctx context.Context, st *store.Store, newVersion string) (bool, error) {
	stored, err := st.GetKey(systemVersionKey)
	if err != nil {
		stored = ""
	}
	logger.Info("progressor_version_check", "stored", stored, "running", newVersion)
	if stored == newVersion {
		logger.Info("progressor_noop", "version", newVersion)
		return false, nil
	}

	marker := map[string]string{
		"from":       stored,
		"to":         newVersion,
		"started_at": time.Now().UTC().Format(time.RFC3339),
	}
	mb, _ := json.Marshal(marker)
	if err := st.SaveKey(systemInProgressKey, mb); err != nil {
		logger.Error("progressor_write_inprogress_failed", "error", err)
		return true, err
	}

	logger.Info("progressor_start_sync", "from", stored, "to", newVersion)
	if err := Sync(ctx, st, stored, newVersion); err != nil {
		logger.Error("progressor_sync_failed", "from", stored, "to", newVersion, "error", err)
		return true, err
	}

	if err := st.SaveKey(systemVersionKey, []byte(newVersion)); err != nil {
		logger.Error("progressor_persist_version_failed", "version", newVersion, "error", err)
		return true, err
	}
	if err := st.DeleteKey(systemInProgressKey); err != nil {
		logger.Warn("progressor_clear_inprogress_failed", "error", err)
	}
	if logger.Audit != nil {
		logger.Audit.Info("migration_complete", "from", stored, "to", newVersion)
	}
	return true, nil
}
