// Package msgsync keeps per-conversation message lists correct under three
// concurrent write sources: paginated history loads, local optimistic sends,
// and inbound real-time events. It never talks to the network directly; the
// transport is reached only through Send, and inbound traffic arrives only
// through ReconcileIncoming/ApplyStatus, which keeps the package usable with
// a future poll-based feed.
package msgsync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"chatsync/pkg/interfaces"
	"chatsync/pkg/types"
	"chatsync/pkg/wire"
)

// conversationState is everything tracked per open conversation. The
// message slice is kept ascending by creation time at all times; sorting is
// stable so equal timestamps preserve arrival order.
type conversationState struct {
	messages   []*types.Message
	nextCursor string
	hasMore    bool
}

// Synchronizer owns conversation message lists for one logged-in user.
type Synchronizer struct {
	selfID    string
	transport interfaces.Transport
	history   interfaces.HistoryClient
	store     interfaces.MessageStore // nil disables caching
	pageSize  int

	mu    sync.Mutex
	convs map[string]*conversationState
}

// New creates a synchronizer. store may be nil.
func New(selfID string, transport interfaces.Transport, history interfaces.HistoryClient, store interfaces.MessageStore, pageSize int) *Synchronizer {
	return &Synchronizer{
		selfID:    selfID,
		transport: transport,
		history:   history,
		store:     store,
		pageSize:  pageSize,
		convs:     make(map[string]*conversationState),
	}
}

// LoadInitialPage fetches the newest history page and replaces the
// conversation's list. On fetch failure previously loaded content is kept
// and the error returned; if nothing was loaded yet the local cache is
// consulted so the view can still render something behind the retry
// affordance.
func (s *Synchronizer) LoadInitialPage(ctx context.Context, conversationID string) error {
	page, err := s.history.FetchMessagePage(ctx, conversationID, "", s.pageSize)
	if err != nil {
		s.fillFromCache(ctx, conversationID)
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	msgs := make([]*types.Message, len(page.Messages))
	copy(msgs, page.Messages)
	sortAscending(msgs)

	s.mu.Lock()
	s.convs[conversationID] = &conversationState{
		messages:   msgs,
		nextCursor: page.NextCursor,
		hasMore:    page.HasMore,
	}
	s.mu.Unlock()

	s.cachePage(ctx, msgs)
	return nil
}

// LoadOlderPage fetches one page past the stored cursor and merges it in
// front of the existing list. The union is re-sorted to defend against
// out-of-order arrival across pages.
func (s *Synchronizer) LoadOlderPage(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	if !conv.hasMore {
		s.mu.Unlock()
		return ErrNoOlderMessages
	}
	cursor := conv.nextCursor
	s.mu.Unlock()

	page, err := s.history.FetchMessagePage(ctx, conversationID, cursor, s.pageSize)
	if err != nil {
		return fmt.Errorf("failed to load older messages for %s: %w", conversationID, err)
	}

	s.mu.Lock()
	conv, ok = s.convs[conversationID]
	if !ok {
		// Conversation closed while the fetch was in flight.
		s.mu.Unlock()
		return ErrUnknownConversation
	}
	merged := make([]*types.Message, 0, len(page.Messages)+len(conv.messages))
	merged = append(merged, page.Messages...)
	merged = append(merged, conv.messages...)
	merged = dedupeByID(merged)
	sortAscending(merged)
	conv.messages = merged
	conv.nextCursor = page.NextCursor
	conv.hasMore = page.HasMore
	s.mu.Unlock()

	s.cachePage(ctx, page.Messages)
	return nil
}

// SendMessage appends an optimistic placeholder and fire-and-forgets the
// send event. There is no acknowledgement wait, no outbox, and no retry: if
// the event never reaches the server the placeholder stays visible in
// "sent" status until reconciliation replaces or the view discards it.
func (s *Synchronizer) SendMessage(conversationID, text string) *types.Message {
	msg := types.NewOptimistic(conversationID, s.selfID, text)

	s.mu.Lock()
	conv, ok := s.convs[conversationID]
	if !ok {
		conv = &conversationState{}
		s.convs[conversationID] = conv
	}
	conv.messages = append(conv.messages, msg)
	sortAscending(conv.messages)
	s.mu.Unlock()

	if err := s.transport.Send(wire.EventSendMessage, wire.SendMessagePayload{
		ConversationID: conversationID,
		Content:        text,
		Type:           types.ContentTypeText,
	}); err != nil {
		log.Printf("msgsync: send_message emit failed: %v", err)
	}

	return msg
}

// ReconcileIncoming folds one server message into the conversation list:
// same id replaces in place (idempotent re-delivery), a self-authored match
// replaces the oldest optimistic placeholder with the same content, anything
// else appends. The inbound data is authoritative; nothing here ever errors.
// Messages for conversations that were never opened carry no list to fold
// into; they are written through to the cache only, so an always-on session
// does not accumulate state for every conversation the server pushes.
func (s *Synchronizer) ReconcileIncoming(msg *types.Message) {
	if msg == nil {
		return
	}

	s.mu.Lock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		s.mu.Unlock()
		if !msg.IsOptimistic() && s.store != nil {
			if err := s.store.UpsertMessage(context.Background(), msg); err != nil {
				log.Printf("msgsync: cache write failed for %s: %v", msg.ID, err)
			}
		}
		return
	}

	replaced := false
	for i, existing := range conv.messages {
		if existing.ID == msg.ID {
			conv.messages[i] = msg
			replaced = true
			break
		}
	}

	if !replaced && msg.IsSelf(s.selfID) {
		// Match by content and authorship, not by timestamp: the optimistic
		// entry's timestamp is a local approximation.
		for i, existing := range conv.messages {
			if existing.IsOptimistic() && existing.IsSelf(s.selfID) && existing.Content == msg.Content {
				conv.messages[i] = msg
				replaced = true
				break
			}
		}
	}

	if !replaced {
		conv.messages = append(conv.messages, msg)
	}
	sortAscending(conv.messages)
	s.mu.Unlock()

	if !msg.IsOptimistic() && s.store != nil {
		if err := s.store.UpsertMessage(context.Background(), msg); err != nil {
			log.Printf("msgsync: cache write failed for %s: %v", msg.ID, err)
		}
	}
}

// ApplyStatus overwrites a message's delivery status, subject to the
// forward-only rule: sent -> delivered -> read, regressions discarded.
// Updates for unknown messages are silently ignored.
func (s *Synchronizer) ApplyStatus(conversationID, messageID string, raw string) {
	status := types.NormalizeStatus(raw)

	s.mu.Lock()
	applied := false
	if conv, ok := s.convs[conversationID]; ok {
		for _, msg := range conv.messages {
			if msg.ID == messageID {
				if status.Rank() > msg.Status.Rank() {
					msg.Status = status
					applied = true
				}
				break
			}
		}
	}
	s.mu.Unlock()

	if applied && s.store != nil {
		if err := s.store.UpdateStatus(context.Background(), messageID, status); err != nil {
			log.Printf("msgsync: cache status update failed for %s: %v", messageID, err)
		}
	}
}

// Messages returns a snapshot of a conversation's list, oldest first. The
// snapshot holds copies, not the live entries: ApplyStatus mutates messages
// in place under the lock, and callers read the snapshot outside it.
func (s *Synchronizer) Messages(conversationID string) []*types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	out := make([]*types.Message, len(conv.messages))
	for i, msg := range conv.messages {
		copied := *msg
		out[i] = &copied
	}
	return out
}

// HasMore reports whether older history remains beyond the current cursor.
func (s *Synchronizer) HasMore(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	return ok && conv.hasMore
}

// Close drops a conversation's in-memory state when its view is torn down.
func (s *Synchronizer) Close(conversationID string) {
	s.mu.Lock()
	delete(s.convs, conversationID)
	s.mu.Unlock()
}

// fillFromCache seeds an empty conversation from the local store after a
// failed initial fetch. Best effort only.
func (s *Synchronizer) fillFromCache(ctx context.Context, conversationID string) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if conv, ok := s.convs[conversationID]; ok && len(conv.messages) > 0 {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	cached, err := s.store.RecentMessages(ctx, conversationID, s.pageSize)
	if err != nil || len(cached) == 0 {
		return
	}
	sortAscending(cached)

	s.mu.Lock()
	s.convs[conversationID] = &conversationState{messages: cached, hasMore: false}
	s.mu.Unlock()
	log.Printf("msgsync: served %d cached messages for %s", len(cached), conversationID)
}

// cachePage writes durable messages through to the local store.
func (s *Synchronizer) cachePage(ctx context.Context, msgs []*types.Message) {
	if s.store == nil {
		return
	}
	for _, msg := range msgs {
		if msg.IsOptimistic() {
			continue
		}
		if err := s.store.UpsertMessage(ctx, msg); err != nil {
			log.Printf("msgsync: cache write failed for %s: %v", msg.ID, err)
			return
		}
	}
}

// sortAscending keeps the ordering invariant: ascending creation time,
// stable so ties keep arrival order.
func sortAscending(msgs []*types.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// dedupeByID drops later duplicates, keeping the first occurrence. Pages can
// overlap when messages arrive between two backfill requests.
func dedupeByID(msgs []*types.Message) []*types.Message {
	seen := make(map[string]bool, len(msgs))
	out := msgs[:0]
	for _, msg := range msgs {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		out = append(out, msg)
	}
	return out
}
