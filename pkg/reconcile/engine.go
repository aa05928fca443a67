// Package reconcile merges messages arriving from three independent
// channels (cache replay, live subscription push and local optimistic
// sends) into one ordered, duplicate-free timeline per conversation.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"bridgecache/pkg/logger"
	"bridgecache/pkg/models"
	"bridgecache/pkg/store"
	"bridgecache/pkg/telemetry"
	"bridgecache/pkg/transport"
	"bridgecache/pkg/utils"
)

// promotionToleranceSec is the window for matching an optimistic message
// to its confirmed counterpart by sender/recipient/timestamp when the
// push arrives before the send's own confirmation callback. The heuristic
// can misfire when two messages go to the same recipient within the
// window; that ambiguity is inherited from the product behavior and kept
// as-is rather than silently tie-broken.
const promotionToleranceSec = 5

const defaultFetchLimit = 100

// Engine drives reconciliation. Construct once per session with the
// session's store and boundary collaborators; all dependencies are
// explicit so tests can inject fakes.
type Engine struct {
	store  *store.Store
	tr     transport.Transport
	signer transport.Signer

	mu         sync.Mutex
	self       string
	timelines  map[string]*timeline
	convs      map[string]*models.Conversation
	fetchLimit int
}

// timeline is the per-conversation merge state. Its mutex guarantees the
// merge runs to completion without interleaving (one mutator at a time
// per conversation).
type timeline struct {
	mu    sync.Mutex
	byKey map[string]models.Message
}

// New returns an engine bound to the given store, transport and signer.
// Transport and signer may be nil; operations that need them fail with
// the matching typed error.
func New(st *store.Store, tr transport.Transport, signer transport.Signer) *Engine {
	return &Engine{
		store:      st,
		tr:         tr,
		signer:     signer,
		timelines:  make(map[string]*timeline),
		convs:      make(map[string]*models.Conversation),
		fetchLimit: defaultFetchLimit,
	}
}

// SetFetchLimit overrides the per-fetch message cap.
func (e *Engine) SetFetchLimit(n int) {
	if n > 0 {
		e.fetchLimit = n
	}
}

func (e *Engine) resolveSelf(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.self != "" {
		return e.self, nil
	}
	if e.signer == nil {
		return "", transport.ErrNoSigner
	}
	pk, err := e.signer.GetPublicKey(ctx)
	if err != nil || pk == "" {
		return "", fmt.Errorf("%w: %v", transport.ErrNoSigner, err)
	}
	e.self = pk
	return pk, nil
}

func (e *Engine) timelineFor(counterpart string) *timeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	tl, ok := e.timelines[counterpart]
	if !ok {
		tl = &timeline{byKey: make(map[string]models.Message)}
		e.timelines[counterpart] = tl
	}
	return tl
}

// ingestLocked applies the merge algorithm for one message. Caller holds
// tl.mu. The returned removed entry, when non-nil, is an optimistic
// record superseded by a confirmed one and must be deleted from the
// store.
func (tl *timeline) ingestLocked(m models.Message) (changed bool, removed *models.Message) {
	key := m.MergeKey()

	// Direct temp-to-real promotion: the confirmed copy still carries the
	// temp id assigned at send time.
	if m.Confirmed() && m.TempID != "" {
		if old, ok := tl.byKey[m.TempID]; ok && !old.Confirmed() {
			delete(tl.byKey, m.TempID)
			tl.byKey[key] = m
			telemetry.Promotions.Inc()
			return true, &old
		}
	}

	if old, ok := tl.byKey[key]; ok {
		// Replace only when strictly more complete; never swap a
		// confirmed message for a less-confirmed one.
		if m.Confirmed() && !old.Confirmed() {
			tl.byKey[key] = m
			return true, nil
		}
		telemetry.DuplicatesDropped.Inc()
		return false, nil
	}

	// A confirmed arrival may correspond to an optimistic entry whose
	// temp id it never learned: a live push can land before the local
	// send's confirmation callback. Match by direction and timestamp
	// proximity.
	if m.Confirmed() {
		for k, old := range tl.byKey {
			if old.Confirmed() {
				continue
			}
			if old.SenderPubkey != m.SenderPubkey || old.RecipientPubkey != m.RecipientPubkey {
				continue
			}
			d := m.CreatedAt - old.CreatedAt
			if d < 0 {
				d = -d
			}
			if d <= promotionToleranceSec {
				delete(tl.byKey, k)
				tl.byKey[key] = m
				telemetry.Promotions.Inc()
				return true, &old
			}
		}
	}

	tl.byKey[key] = m
	telemetry.MessagesMerged.Inc()
	return true, nil
}

// sortedLocked returns the timeline ascending by created-at. Caller holds
// tl.mu.
func (tl *timeline) sortedLocked() []models.Message {
	out := make([]models.Message, 0, len(tl.byKey))
	for _, m := range tl.byKey {
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// ingest runs one message through the merge for its conversation and
// persists the outcome. Returns true when the timeline changed.
func (e *Engine) ingest(self string, m models.Message, resetUnread bool) bool {
	if m.SelfAddressed() {
		logger.Warn("ingest_self_message_rejected", "operation", "ingest", "pubkey", m.SenderPubkey)
		telemetry.SelfMessagesRejected.Inc()
		return false
	}
	m.IsSent = m.SenderPubkey == self
	conv := m.Counterpart(self)
	if conv == "" {
		return false
	}
	tl := e.timelineFor(conv)
	tl.mu.Lock()
	changed, removed := tl.ingestLocked(m)
	tl.mu.Unlock()
	if !changed {
		return false
	}
	if removed != nil {
		if err := e.store.DeleteMessage(conv, removed.CreatedAt, removed.MergeKey()); err != nil {
			logger.Warn("ingest_stale_optimistic_delete_failed", "conversation", conv, "error", err)
		}
	}
	if err := e.store.PutMessages([]models.Message{m}); err != nil {
		logger.Warn("ingest_persist_failed", "operation", "ingest", "conversation", conv, "error", err)
	}
	e.touchConversation(conv, m, resetUnread)
	if m.Confirmed() {
		_ = e.store.SetSyncWatermark(m.CreatedAt)
	}
	return true
}

func (e *Engine) touchConversation(conv string, m models.Message, resetUnread bool) {
	e.mu.Lock()
	c, ok := e.convs[conv]
	if !ok {
		c = &models.Conversation{Pubkey: conv}
		// Seed from the cache so unread counts survive restarts.
		if cached, err := e.store.Conversations(); err == nil {
			for i := range cached {
				if cached[i].Pubkey == conv {
					*c = cached[i]
					break
				}
			}
		}
		e.convs[conv] = c
	}
	c.Touch(m)
	if resetUnread {
		c.UnreadCount = 0
	}
	snapshot := *c
	e.mu.Unlock()
	if err := e.store.PutConversation(snapshot); err != nil {
		logger.Warn("conversation_persist_failed", "conversation", conv, "error", err)
	}
}

// LoadConversation replays the cache, fetches anything newer than the
// sync watermark, merges both and returns the ordered timeline. A
// transport failure still returns whatever was cached, alongside the
// error.
func (e *Engine) LoadConversation(ctx context.Context, counterpart string) ([]models.Message, error) {
	if counterpart == "" {
		// Nothing to load yet; not an error.
		return nil, nil
	}
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return nil, err
	}
	if counterpart == self {
		logger.Warn("load_self_conversation_rejected", "operation", "load", "conversation", counterpart)
		return nil, nil
	}

	cached, _ := e.store.Messages(counterpart)
	for _, m := range cached {
		e.ingest(self, m, false)
	}

	var fetchErr error
	if e.tr != nil {
		since := e.store.SyncWatermark()
		fetched, err := e.tr.FetchMessages(ctx, counterpart, since, e.fetchLimit)
		if err != nil {
			telemetry.FetchErrors.Inc()
			logger.Warn("load_fetch_failed", "operation", "load", "conversation", counterpart, "error", err)
			fetchErr = fmt.Errorf("fetch messages for %s: %w", counterpart, err)
		} else {
			for _, m := range fetched {
				e.ingest(self, m, false)
			}
		}
	}

	// Opening a conversation is the only point the core can observe "the
	// user looked at it": reset its unread count.
	e.resetUnread(counterpart)

	tl := e.timelineFor(counterpart)
	tl.mu.Lock()
	out := tl.sortedLocked()
	tl.mu.Unlock()
	logger.Debug("conversation_loaded", "operation", "load", "conversation", counterpart, "count", len(out))
	return out, fetchErr
}

func (e *Engine) resetUnread(conv string) {
	e.mu.Lock()
	c, ok := e.convs[conv]
	if ok {
		c.UnreadCount = 0
	}
	var snapshot models.Conversation
	if ok {
		snapshot = *c
	}
	e.mu.Unlock()
	if ok {
		_ = e.store.PutConversation(snapshot)
	}
}

// MessagesFor returns the current in-memory timeline for a conversation,
// ascending by created-at.
func (e *Engine) MessagesFor(counterpart string) []models.Message {
	tl := e.timelineFor(counterpart)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.sortedLocked()
}

// Conversations returns the cached conversation list, newest first.
func (e *Engine) Conversations() ([]models.Conversation, error) {
	return e.store.Conversations()
}

// Subscribe opens the live push channel. Every pushed message runs
// through the merge, is persisted, and, when it changed the timeline,
// is emitted to onMessage. The returned teardown is idempotent.
func (e *Engine) Subscribe(ctx context.Context, onMessage func(models.Message)) (func(), error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return nil, err
	}
	if e.tr == nil {
		return nil, transport.ErrNoTransport
	}
	unsub, err := e.tr.Subscribe(ctx, func(m models.Message) {
		if e.ingest(self, m, false) && onMessage != nil {
			onMessage(m)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if unsub != nil {
				unsub()
			}
			logger.Debug("subscription_torn_down", "operation", "subscribe")
		})
	}, nil
}

// SendOptimistic inserts a locally-created message immediately so the UI
// stays responsive while the transport publish is in flight. A message
// without an id gets a fresh temp id; the returned value is what
// ConfirmSent and MarkFailed key on.
func (e *Engine) SendOptimistic(ctx context.Context, m models.Message) (string, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return "", err
	}
	if m.TempID == "" && m.ID == "" {
		m.TempID = utils.GenTempID()
	}
	m.SenderPubkey = self
	m.IsSent = true
	if !e.ingest(self, m, false) {
		logger.Warn("send_optimistic_not_merged", "operation", "send", "conversation", m.RecipientPubkey)
	}
	return m.TempID, nil
}

// ConfirmSent promotes the optimistic entry identified by tempID to the
// confirmed message returned by the transport. Safe to call after the
// push channel already delivered the confirmed copy; the merge dedupes.
func (e *Engine) ConfirmSent(tempID string, confirmed models.Message) {
	e.mu.Lock()
	self := e.self
	e.mu.Unlock()
	if self == "" {
		logger.Warn("confirm_sent_without_identity", "operation", "confirm", "temp_id", tempID)
		return
	}
	confirmed.TempID = tempID
	e.ingest(self, confirmed, false)
}

// MarkFailed removes the optimistic entry so the UI can offer a retry.
func (e *Engine) MarkFailed(tempID string) {
	e.mu.Lock()
	timelines := make(map[string]*timeline, len(e.timelines))
	for k, v := range e.timelines {
		timelines[k] = v
	}
	e.mu.Unlock()

	for conv, tl := range timelines {
		tl.mu.Lock()
		old, ok := tl.byKey[tempID]
		if ok && !old.Confirmed() {
			delete(tl.byKey, tempID)
		}
		tl.mu.Unlock()
		if ok && !old.Confirmed() {
			if err := e.store.DeleteMessage(conv, old.CreatedAt, tempID); err != nil {
				logger.Warn("mark_failed_delete_failed", "conversation", conv, "temp_id", tempID, "error", err)
			}
			logger.Info("optimistic_message_failed", "operation", "send", "conversation", conv, "temp_id", tempID)
			return
		}
	}
}

// Push feeds one already-decrypted message through the merge, exactly as
// the live subscription channel would. Returns whether the timeline
// changed.
func (e *Engine) Push(ctx context.Context, m models.Message) (bool, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return false, err
	}
	return e.ingest(self, m, false), nil
}

// SyncTracked fetches anything newer than the watermark for every
// conversation the engine has seen this session and merges the results.
// Returns the number of newly merged messages; the adaptive sync
// controller uses it to steer its polling interval.
func (e *Engine) SyncTracked(ctx context.Context) (int, error) {
	self, err := e.resolveSelf(ctx)
	if err != nil {
		return 0, err
	}
	if e.tr == nil {
		return 0, transport.ErrNoTransport
	}

	e.mu.Lock()
	counterparts := make([]string, 0, len(e.timelines))
	for k := range e.timelines {
		counterparts = append(counterparts, k)
	}
	e.mu.Unlock()

	merged := 0
	since := e.store.SyncWatermark()
	for _, conv := range counterparts {
		fetched, err := e.tr.FetchMessages(ctx, conv, since, e.fetchLimit)
		if err != nil {
			telemetry.FetchErrors.Inc()
			logger.Warn("sync_fetch_failed", "operation", "sync", "conversation", conv, "error", err)
			continue
		}
		for _, m := range fetched {
			if e.ingest(self, m, false) {
				merged++
			}
		}
	}
	if merged > 0 {
		logger.Debug("sync_merged_messages", "operation", "sync", "count", merged)
	}
	return merged, nil
}
