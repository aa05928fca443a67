package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"bridgecache/pkg/config"
	"bridgecache/pkg/keys"
	"bridgecache/pkg/models"
	"bridgecache/pkg/store"
)

const selfPk = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ks := keys.NewService()
	if err := ks.Initialize(selfPk); err != nil {
		t.Fatalf("initialize keys: %v", err)
	}
	st, err := store.Open(t.TempDir(), selfPk, ks)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// plantConversation writes a conversation record with a chosen cache
// timestamp so eviction order is deterministic.
func plantConversation(t *testing.T, st *store.Store, pubkey string, cachedAt int64) {
	t.Helper()
	env := map[string]any{"ct": "x", "iv": "y", "cached_at": cachedAt, "ts": cachedAt}
	b, _ := json.Marshal(env)
	if err := st.SaveKey("conv:"+pubkey, b); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}
}

func TestEnforceBoundEvictsOldestFirst(t *testing.T) {
	st := openTestStore(t)
	for i := 0; i < 5; i++ {
		plantConversation(t, st, fmt.Sprintf("pk%d", i), int64(100+i))
	}

	removed, err := EnforceBound(st, 3)
	if err != nil {
		t.Fatalf("EnforceBound: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 evictions, got %d", removed)
	}
	entries, err := st.ConversationEntries()
	if err != nil {
		t.Fatalf("ConversationEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 survivors, got %d", len(entries))
	}
	// pk0 and pk1 carried the oldest cache timestamps
	for _, e := range entries {
		if e.Pubkey == "pk0" || e.Pubkey == "pk1" {
			t.Fatalf("oldest entry %s survived", e.Pubkey)
		}
	}
}

func TestEnforceBoundDisabledByZero(t *testing.T) {
	st := openTestStore(t)
	for i := 0; i < 3; i++ {
		plantConversation(t, st, fmt.Sprintf("pk%d", i), int64(i))
	}
	removed, err := EnforceBound(st, 0)
	if err != nil || removed != 0 {
		t.Fatalf("zero bound should disable eviction: %d, %v", removed, err)
	}
}

func TestEnforceBoundUnderCapIsNoOp(t *testing.T) {
	st := openTestStore(t)
	plantConversation(t, st, "pk0", 1)
	removed, err := EnforceBound(st, 10)
	if err != nil || removed != 0 {
		t.Fatalf("under-cap store should be untouched: %d, %v", removed, err)
	}
}

func TestRunImmediateRequiresRegistration(t *testing.T) {
	storedCfg, storedStore = nil, nil
	if err := RunImmediate(context.Background()); err == nil {
		t.Fatalf("unregistered run should error")
	}
}

func TestRunImmediateEvictsAndBounds(t *testing.T) {
	st := openTestStore(t)
	if err := st.PutConversation(models.Conversation{Pubkey: "fresh", LastMessageAt: time.Now().Unix()}); err != nil {
		t.Fatalf("PutConversation: %v", err)
	}
	plantConversation(t, st, "stale", time.Now().Unix()-30*24*3600)

	cfg := config.Default()
	cfg.Cache.ConversationTTL = config.Duration(7 * 24 * time.Hour)
	Register(cfg, st)
	t.Cleanup(func() { storedCfg, storedStore = nil, nil })

	if err := RunImmediate(context.Background()); err != nil {
		t.Fatalf("RunImmediate: %v", err)
	}
	entries, err := st.ConversationEntries()
	if err != nil {
		t.Fatalf("ConversationEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Pubkey != "fresh" {
		t.Fatalf("stale conversation survived the run: %+v", entries)
	}
}
