package interfaces

import (
	"context"

	"chatsync/pkg/types"
)

// MessageStore is the local write-through cache of durable messages.
// Optimistic messages never reach the store; only server-confirmed ones do.
// A nil store disables caching.
type MessageStore interface {
	// UpsertMessage inserts or replaces a message by id. Idempotent.
	UpsertMessage(ctx context.Context, msg *types.Message) error

	// RecentMessages returns up to limit cached messages for a conversation,
	// ascending by creation time.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error)

	// UpdateStatus records a delivery-state change, honoring the
	// forward-only rule.
	UpdateStatus(ctx context.Context, messageID string, status types.Status) error

	// Close flushes pending writes and releases the database.
	Close() error
}
