// Package store is the encrypted record store: a Pebble-backed local
// cache holding only ciphertext plus per-record IVs. The cache is an
// optimization, never a correctness dependency; read failures degrade to
// empty results and callers fall back to live transport data.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"bridgecache/pkg/keys"
	"bridgecache/pkg/logger"
	"bridgecache/pkg/models"
	"bridgecache/pkg/telemetry"
)

// Key namespaces. Message keys carry a zero-padded created-at so a prefix
// scan yields records in timeline order without decrypting.
//
//	msg:<conversation>:<%020d created_at>-<merge key>
//	conv:<counterpart pubkey>
//	meta:sync_watermark
//	system:<progressor bookkeeping>
const (
	msgPrefix  = "msg:"
	convPrefix = "conv:"

	watermarkKey = "meta:sync_watermark"
)

// envelope wraps every cached record. cached_at and ts stay in the clear
// so TTL eviction and ordering never need the session key.
type envelope struct {
	Ciphertext string `json:"ct"`
	IV         string `json:"iv"`
	CachedAt   int64  `json:"cached_at"`
	TS         int64  `json:"ts"`
}

// Store is the single shared mutable resource of the cache core. It is
// constructed once per login session and passed by reference.
type Store struct {
	mu   sync.RWMutex
	db   *pebble.DB
	path string
	keys *keys.Service
	self string

	closed bool
}

// Open opens (or creates) the Pebble database at path and binds it to the
// session's key service and local identity. Safe to call once per login
// session.
func Open(path, identity string, ks *keys.Service) (*Store, error) {
	logger.Info("opening_cache_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("cache_store_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("cache_store_opened", "path", path)
	return &Store{db: db, path: path, keys: ks, self: identity}, nil
}

// Close closes the underlying database if still open.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	logger.Info("cache_store_closed", "path", s.path)
	return nil
}

// Ready reports whether the store is open.
func (s *Store) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.db != nil
}

// Identity returns the local user's pubkey the store was opened for.
func (s *Store) Identity() string { return s.self }

// Path returns the on-disk location of the store.
func (s *Store) Path() string { return s.path }

func msgKey(conversation string, createdAt int64, mergeKey string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d-%s", msgPrefix, conversation, createdAt, mergeKey))
}

func convKey(pubkey string) []byte {
	return []byte(convPrefix + pubkey)
}

// PutMessages encrypts and writes a batch of messages, keyed by merge key
// under the counterpart's conversation. Individual encryption failures
// are logged and skipped, never aborting the batch. Writes after Clear or
// Close are silent no-ops.
func (s *Store) PutMessages(msgs []models.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	now := time.Now().UTC().Unix()
	for _, m := range msgs {
		if m.SelfAddressed() {
			logger.Warn("put_message_self_addressed_dropped", "sender", m.SenderPubkey)
			telemetry.SelfMessagesRejected.Inc()
			continue
		}
		conv := m.Counterpart(s.self)
		if conv == "" {
			logger.Warn("put_message_no_conversation", "merge_key", m.MergeKey())
			continue
		}
		ct, iv, err := s.keys.Encrypt(m)
		if err != nil {
			logger.Error("put_message_encrypt_failed", "conversation", conv, "merge_key", m.MergeKey(), "error", err)
			telemetry.EncryptFailures.Inc()
			continue
		}
		env := envelope{Ciphertext: ct, IV: iv, CachedAt: now, TS: m.CreatedAt}
		data, err := json.Marshal(env)
		if err != nil {
			logger.Error("put_message_marshal_failed", "conversation", conv, "error", err)
			continue
		}
		if err := s.db.Set(msgKey(conv, m.CreatedAt, m.MergeKey()), data, pebble.Sync); err != nil {
			logger.Error("put_message_failed", "conversation", conv, "merge_key", m.MergeKey(), "error", err)
			return err
		}
		// A confirmed message that still remembers its temp id may have an
		// optimistic record at the same timestamp under the old key.
		if m.ID != "" && m.TempID != "" {
			_ = s.db.Delete(msgKey(conv, m.CreatedAt, m.TempID), pebble.Sync)
		}
	}
	return nil
}

// DeleteMessage removes one stored record by its merge key and timestamp.
// Used by the reconciliation engine when an optimistic entry is promoted
// or marked failed.
func (s *Store) DeleteMessage(conversation string, createdAt int64, mergeKey string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	return s.db.Delete(msgKey(conversation, createdAt, mergeKey), pebble.Sync)
}

// Messages returns all cached messages for a conversation sorted
// ascending by created-at. Corrupt or unauthenticated records are dropped
// and logged, never surfaced as an error.
func (s *Store) Messages(conversation string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil, nil
	}
	prefix := []byte(msgPrefix + conversation + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		logger.Warn("list_messages_iter_failed", "conversation", conversation, "error", err)
		return nil, nil
	}
	defer iter.Close()

	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		v := append([]byte(nil), iter.Value()...)
		var env envelope
		if err := json.Unmarshal(v, &env); err != nil {
			logger.Warn("list_messages_invalid_envelope", "conversation", conversation, "key", string(iter.Key()), "error", err)
			continue
		}
		var m models.Message
		if err := s.keys.Decrypt(env.Ciphertext, env.IV, &m); err != nil {
			if errors.Is(err, keys.ErrNotInitialized) {
				logger.Warn("list_messages_no_key", "conversation", conversation)
				return nil, nil
			}
			logger.Warn("list_messages_record_dropped", "conversation", conversation, "key", string(iter.Key()), "error", err)
			telemetry.DecryptFailures.Inc()
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		logger.Warn("list_messages_iter_error", "conversation", conversation, "error", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// PutConversation encrypts and upserts a conversation aggregate.
// Self-conversations are invalid and filtered here as a last line of
// defense.
func (s *Store) PutConversation(c models.Conversation) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	if c.Pubkey == "" || c.Pubkey == s.self {
		logger.Warn("put_conversation_rejected", "pubkey", c.Pubkey)
		return nil
	}
	ct, iv, err := s.keys.Encrypt(c)
	if err != nil {
		logger.Error("put_conversation_encrypt_failed", "conversation", c.Pubkey, "error", err)
		telemetry.EncryptFailures.Inc()
		return nil
	}
	env := envelope{Ciphertext: ct, IV: iv, CachedAt: time.Now().UTC().Unix(), TS: c.LastMessageAt}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal conversation envelope: %w", err)
	}
	if err := s.db.Set(convKey(c.Pubkey), data, pebble.Sync); err != nil {
		logger.Error("put_conversation_failed", "conversation", c.Pubkey, "error", err)
		return err
	}
	return nil
}

// Conversations returns all cached conversations sorted descending by
// last-message time. Decrypt failures drop the record.
func (s *Store) Conversations() ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil, nil
	}
	prefix := []byte(convPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		logger.Warn("list_conversations_iter_failed", "error", err)
		return nil, nil
	}
	defer iter.Close()

	var out []models.Conversation
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var env envelope
		if err := json.Unmarshal(append([]byte(nil), iter.Value()...), &env); err != nil {
			logger.Warn("list_conversations_invalid_envelope", "key", string(iter.Key()), "error", err)
			continue
		}
		var c models.Conversation
		if err := s.keys.Decrypt(env.Ciphertext, env.IV, &c); err != nil {
			logger.Warn("list_conversations_record_dropped", "key", string(iter.Key()), "error", err)
			telemetry.DecryptFailures.Inc()
			continue
		}
		if c.Pubkey == s.self {
			continue
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		logger.Warn("list_conversations_iter_error", "error", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastMessageAt > out[j].LastMessageAt })
	return out, nil
}

// ConvEntry is the plaintext index view of one cached conversation,
// enough for LRU decisions without decrypting.
type ConvEntry struct {
	Pubkey   string
	CachedAt int64
}

// ConversationEntries lists conversation keys with their cache
// timestamps, oldest first.
func (s *Store) ConversationEntries() ([]ConvEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil, nil
	}
	prefix := []byte(convPrefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ConvEntry
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var env envelope
		if err := json.Unmarshal(append([]byte(nil), iter.Value()...), &env); err != nil {
			continue
		}
		out = append(out, ConvEntry{Pubkey: string(iter.Key()[len(convPrefix):]), CachedAt: env.CachedAt})
	}
	if err := iter.Error(); err != nil {
		return out, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CachedAt < out[j].CachedAt })
	return out, nil
}

// PurgeConversation deletes a conversation record and every message filed
// under it.
func (s *Store) PurgeConversation(pubkey string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	if err := s.db.Delete(convKey(pubkey), pebble.Sync); err != nil {
		return err
	}
	start := []byte(msgPrefix + pubkey + ":")
	end := append(append([]byte(nil), start...), 0xff)
	return s.db.DeleteRange(start, end, pebble.Sync)
}

// SyncWatermark returns the timestamp of the most recent successfully
// reconciled message, or zero when none has been recorded.
func (s *Store) SyncWatermark() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return 0
	}
	v, closer, err := s.db.Get([]byte(watermarkKey))
	if err != nil {
		return 0
	}
	defer closer.Close()
	ts, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		logger.Warn("sync_watermark_corrupt", "value", string(v))
		return 0
	}
	return ts
}

// SetSyncWatermark advances the watermark. Attempts to move it backward
// clamp to a no-op so the watermark is monotonically non-decreasing.
func (s *Store) SetSyncWatermark(ts int64) error {
	cur := s.SyncWatermark()
	if ts <= cur {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	if err := s.db.Set([]byte(watermarkKey), []byte(strconv.FormatInt(ts, 10)), pebble.Sync); err != nil {
		logger.Error("set_sync_watermark_failed", "ts", ts, "error", err)
		return err
	}
	telemetry.SyncWatermark.Set(float64(ts))
	return nil
}

// EvictExpired deletes every message older than messageTTL and every
// conversation older than conversationTTL, judged by cache-write time.
// Returns the number of records removed.
func (s *Store) EvictExpired(messageTTL, conversationTTL time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return 0, nil
	}
	now := time.Now().UTC().Unix()
	removed := 0
	for _, ns := range []struct {
		prefix string
		ttl    time.Duration
	}{
		{msgPrefix, messageTTL},
		{convPrefix, conversationTTL},
	} {
		if ns.ttl <= 0 {
			continue
		}
		cutoff := now - int64(ns.ttl.Seconds())
		iter, err := s.db.NewIter(&pebble.IterOptions{})
		if err != nil {
			return removed, err
		}
		prefix := []byte(ns.prefix)
		for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
			if !bytes.HasPrefix(iter.Key(), prefix) {
				break
			}
			var env envelope
			if err := json.Unmarshal(append([]byte(nil), iter.Value()...), &env); err != nil {
				continue
			}
			if env.CachedAt >= cutoff {
				continue
			}
			k := append([]byte(nil), iter.Key()...)
			if err := s.db.Delete(k, pebble.Sync); err != nil {
				logger.Warn("evict_delete_failed", "key", string(k), "error", err)
				continue
			}
			removed++
			telemetry.RecordsEvicted.Inc()
		}
		ierr := iter.Error()
		_ = iter.Close()
		if ierr != nil {
			return removed, ierr
		}
	}
	if removed > 0 {
		logger.Info("evicted_expired_records", "removed", removed)
	}
	return removed, nil
}

// Clear wipes all collections and closes the store. Used on logout,
// paired with the key service's Clear. Later writes silently no-op.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.db == nil {
		return nil
	}
	for _, prefix := range []string{msgPrefix, convPrefix, "meta:", "system:"} {
		start := []byte(prefix)
		end := append(append([]byte(nil), start...), 0xff)
		if err := s.db.DeleteRange(start, end, pebble.Sync); err != nil {
			logger.Error("clear_delete_range_failed", "prefix", prefix, "error", err)
			return err
		}
	}
	s.closed = true
	err := s.db.Close()
	s.db = nil
	logger.Info("cache_store_cleared", "path", s.path)
	return err
}

// GetKey returns the raw value stored under an arbitrary key. Used by the
// migration runner for its bookkeeping namespace.
func (s *Store) GetKey(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return "", fmt.Errorf("store closed")
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

// SaveKey stores an arbitrary key/value pair. Callers must pick a safe
// namespace (e.g. "system:").
func (s *Store) SaveKey(key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	return s.db.Set([]byte(key), value, pebble.Sync)
}

// DeleteKey removes an arbitrary key.
func (s *Store) DeleteKey(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

// DiskUsage walks the store directory and returns total bytes on disk.
// Best effort; used by retention to warn on oversized caches.
func (s *Store) DiskUsage() int64 {
	var total int64
	_ = filepath.WalkDir(s.path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
