package models

import "fmt"

// Conversation is the aggregate state of a message thread with one
// counterpart, persisted separately from individual messages so the
// conversation list renders without decrypting every message.
type Conversation struct {
	// Pubkey is the counterpart identity. It must never equal the local
	// user's own pubkey.
	Pubkey        string `json:"pubkey"`
	LastMessageAt int64  `json:"last_message_at"`
	UnreadCount   int    `json:"unread_count"`
}

// Touch folds a reconciled message into the conversation aggregate.
func (c *Conversation) Touch(m Message) {
	if m.CreatedAt > c.LastMessageAt {
		c.LastMessageAt = m.CreatedAt
	}
	if !m.IsSent {
		c.UnreadCount++
	}
}

// FallbackKey synthesizes a merge key for messages that carry neither an
// id nor a temp id. Rare, defensive path only.
func FallbackKey(sender, recipient string, createdAt int64) string {
	return fmt.Sprintf("%s:%s:%d", sender, recipient, createdAt)
}
