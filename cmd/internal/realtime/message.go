package realtime

import (
	"strings"

	v1 "github.com/luckysmithlee/im-next/contracts/realtime/v1"
)

// ConversationKey identifies a two-party thread independent of direction.
type ConversationKey string

const conversationKeySep = "|"

// KeyFor returns the canonical key for the unordered pair (a, b).
func KeyFor(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey(a + conversationKeySep + b)
}

// Participants returns both user ids in canonical order.
func (k ConversationKey) Participants() (string, string) {
	a, b, _ := strings.Cut(string(k), conversationKeySep)
	return a, b
}

// Peer returns the participant that is not self.
func (k ConversationKey) Peer(self string) string {
	a, b := k.Participants()
	if a == self {
		return b
	}
	return a
}

// Message is a persisted direct message. Timestamp is unix milliseconds assigned by the
// server and strictly increasing within a conversation.
type Message struct {
	ID        string `json:"id,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId,omitempty"`
}

// Key returns the conversation the message belongs to.
func (m Message) Key() ConversationKey { return KeyFor(m.From, m.To) }

// Payload converts m to its wire form.
func (m Message) Payload() v1.PrivateMessagePayload {
	return v1.PrivateMessagePayload{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		ClientID:  m.ClientID,
	}
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Peer        string  `json:"peer"`
	LastMessage Message `json:"lastMessage"`
	Count       int     `json:"count"`
}
