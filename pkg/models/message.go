package models

// Message is a single decrypted direct message as seen by the cache.
// Wire-level decryption happens upstream; this core only orders,
// deduplicates and stores messages.
type Message struct {
	// ID is the relay-assigned event id, set once the transport has
	// confirmed the message. TempID is assigned locally at send time and
	// kept for reconciliation matching after confirmation. At least one of
	// the two is always set.
	ID     string `json:"id,omitempty"`
	TempID string `json:"temp_id,omitempty"`

	SenderPubkey    string `json:"sender_pubkey"`
	RecipientPubkey string `json:"recipient_pubkey"`
	Content         string `json:"content"`
	// CreatedAt is seconds since epoch and the authoritative ordering key.
	CreatedAt int64 `json:"created_at"`
	// IsSent is true when the local user is the sender.
	IsSent bool `json:"is_sent,omitempty"`
}

// MergeKey returns the identity used to deduplicate a message across the
// cache, fetch and push channels: the confirmed id when present, else the
// local temp id, else a synthesized fallback for messages lacking both.
func (m Message) MergeKey() string {
	if m.ID != "" {
		return m.ID
	}
	if m.TempID != "" {
		return m.TempID
	}
	return FallbackKey(m.SenderPubkey, m.RecipientPubkey, m.CreatedAt)
}

// Confirmed reports whether the message carries a relay-assigned id.
func (m Message) Confirmed() bool { return m.ID != "" }

// SelfAddressed reports whether sender and recipient are the same party.
// Such messages indicate an upstream derivation bug and are rejected at
// ingestion.
func (m Message) SelfAddressed() bool {
	return m.SenderPubkey != "" && m.SenderPubkey == m.RecipientPubkey
}

// Counterpart returns the non-local party of the message relative to the
// given local pubkey. This is the conversation id the message files under.
func (m Message) Counterpart(self string) string {
	if m.SenderPubkey == self {
		return m.RecipientPubkey
	}
	return m.SenderPubkey
}
