package interfaces

import (
	"context"

	"chatsync/pkg/types"
)

// HistoryClient fetches paginated conversation history over REST. The
// synchronizer depends on this interface so tests and a future poll-based
// feed can supply pages without a live backend.
type HistoryClient interface {
	// FetchMessagePage returns one page of messages. An empty cursor means
	// the newest page; the returned cursor points at the next older page.
	FetchMessagePage(ctx context.Context, conversationID, cursor string, pageSize int) (*types.MessagePage, error)

	// FetchConversations returns conversation previews for list refresh.
	FetchConversations(ctx context.Context) ([]*types.ConversationSummary, error)
}
