package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks client-generated identifiers of optimistic messages.
// A message keeps a temp id only until the server echo replaces it.
const TempIDPrefix = "temp-"

// Message content types accepted by the backend.
const (
	ContentTypeText  = "TEXT"
	ContentTypeImage = "IMAGE"
	ContentTypeVideo = "VIDEO"
	ContentTypeFile  = "FILE"
)

// Status is the delivery state of a message: sent -> delivered -> read.
// Transitions are strictly forward-moving; regressions are discarded.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses for the forward-only rule. Unknown statuses rank
// lowest so they can never overwrite a known state.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 0
	}
}

// NormalizeStatus maps backend status spellings (the server sends uppercase)
// onto the canonical lowercase values. Anything unrecognized becomes "sent".
func NormalizeStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StatusRead):
		return StatusRead
	case string(StatusDelivered):
		return StatusDelivered
	default:
		return StatusSent
	}
}

// Message is a single chat message. Before server confirmation a locally
// sent message carries a temp id and is "optimistic"; reconciliation swaps
// it for the server version or drops it.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

// NewOptimistic builds the locally visible placeholder for a just-sent
// message. The timestamp is a local approximation; reconciliation matches
// by content and authorship, never by this timestamp.
func NewOptimistic(conversationID, senderID, content string) *Message {
	return &Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Type:           ContentTypeText,
		Status:         StatusSent,
		CreatedAt:      time.Now(),
	}
}

// IsOptimistic reports whether the message still carries a client-generated id.
func (m *Message) IsOptimistic() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// IsSelf reports whether the message was authored by the given local user.
func (m *Message) IsSelf(userID string) bool {
	return m.SenderID == userID
}

// TypingUser identifies one remote participant currently composing a message.
type TypingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"userName,omitempty"`
}

// Name returns the display name, falling back to the user id when the
// server did not provide one.
func (u TypingUser) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.UserID
}

// MessagePage is one page of conversation history from the REST API,
// newest page first, cursor pointing at the next older page.
type MessagePage struct {
	Messages   []*Message `json:"messages"`
	NextCursor string     `json:"nextCursor,omitempty"`
	HasMore    bool       `json:"hasMore"`
}

// ConversationSummary is the preview row used by conversation lists.
// Not part of the sync core's state; fetched for display refresh only.
type ConversationSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}
