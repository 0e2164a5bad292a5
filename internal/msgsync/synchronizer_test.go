package msgsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/pkg/interfaces"
	"chatsync/pkg/types"
	"chatsync/pkg/wire"
)

type sentEvent struct {
	event   string
	payload interface{}
}

// fakeTransport records emitted events and pretends to be connected.
type fakeTransport struct {
	mu     sync.Mutex
	events []sentEvent
}

func (f *fakeTransport) Connect(ctx context.Context, token string) error { return nil }
func (f *fakeTransport) Disconnect() error                               { return nil }
func (f *fakeTransport) Send(event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{event, payload})
	return nil
}
func (f *fakeTransport) On(event string, h wire.Handler) func()  { return func() {} }
func (f *fakeTransport) JoinConversation(conversationID string)  {}
func (f *fakeTransport) LeaveConversation(conversationID string) {}
func (f *fakeTransport) State() interfaces.ConnectionState       { return interfaces.StateConnected }
func (f *fakeTransport) IsConnected() bool                       { return true }

func (f *fakeTransport) sent(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// fakeHistory serves canned pages keyed by cursor.
type fakeHistory struct {
	pages map[string]*types.MessagePage
	err   error
	calls int
}

func (f *fakeHistory) FetchMessagePage(ctx context.Context, conversationID, cursor string, pageSize int) (*types.MessagePage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[cursor]
	if !ok {
		return &types.MessagePage{}, nil
	}
	return page, nil
}

func (f *fakeHistory) FetchConversations(ctx context.Context) ([]*types.ConversationSummary, error) {
	return nil, nil
}

func serverMessage(id, conv, sender, content string, at time.Time) *types.Message {
	return &types.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        content,
		Type:           types.ContentTypeText,
		Status:         types.StatusSent,
		CreatedAt:      at,
	}
}

// TestSynchronizer_LoadInitialPage tests that the newest page replaces the list
// in ascending order regardless of server ordering
func TestSynchronizer_LoadInitialPage(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{pages: map[string]*types.MessagePage{
		"": {
			Messages: []*types.Message{
				serverMessage("m3", "conv-1", "u2", "three", base.Add(3*time.Second)),
				serverMessage("m1", "conv-1", "u2", "one", base.Add(1*time.Second)),
				serverMessage("m2", "conv-1", "u2", "two", base.Add(2*time.Second)),
			},
			NextCursor: "c1",
			HasMore:    true,
		},
	}}
	sync := New("u1", &fakeTransport{}, history, nil, 50)

	if err := sync.LoadInitialPage(context.Background(), "conv-1"); err != nil {
		t.Fatalf("LoadInitialPage failed: %v", err)
	}

	msgs := sync.Messages("conv-1")
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, msgs[i].ID)
		}
	}
	if !sync.HasMore("conv-1") {
		t.Error("expected more history behind the cursor")
	}
}

// TestSynchronizer_LoadInitialPageFailure tests that a failed fetch keeps
// prior content and surfaces the error
func TestSynchronizer_LoadInitialPageFailure(t *testing.T) {
	base := time.Now()
	history := &fakeHistory{pages: map[string]*types.MessagePage{
		"": {Messages: []*types.Message{serverMessage("m1", "conv-1", "u2", "one", base)}},
	}}
	sync := New("u1", &fakeTransport{}, history, nil, 50)

	if err := sync.LoadInitialPage(context.Background(), "conv-1"); err != nil {
		t.Fatalf("first load failed: %v", err)
	}

	history.err = errors.New("backend down")
	if err := sync.LoadInitialPage(context.Background(), "conv-1"); err == nil {
		t.Error("failed fetch should surface an error")
	}
	if got := len(sync.Messages("conv-1")); got != 1 {
		t.Errorf("prior content should survive a failed reload, got %d messages", got)
	}
}

// TestSynchronizer_LoadOlderPage tests backfill merging with dedupe and re-sort
func TestSynchronizer_LoadOlderPage(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	history := &fakeHistory{pages: map[string]*types.MessagePage{
		"": {
			Messages: []*types.Message{
				serverMessage("m3", "conv-1", "u2", "three", base.Add(3*time.Second)),
				serverMessage("m4", "conv-1", "u2", "four", base.Add(4*time.Second)),
			},
			NextCursor: "older",
			HasMore:    true,
		},
		"older": {
			Messages: []*types.Message{
				serverMessage("m1", "conv-1", "u2", "one", base.Add(1*time.Second)),
				serverMessage("m2", "conv-1", "u2", "two", base.Add(2*time.Second)),
				// Overlap with the first page: pages can overlap when traffic
				// arrives between the two requests.
				serverMessage("m3", "conv-1", "u2", "three", base.Add(3*time.Second)),
			},
			HasMore: false,
		},
	}}
	sync := New("u1", &fakeTransport{}, history, nil, 50)

	if err := sync.LoadInitialPage(context.Background(), "conv-1"); err != nil {
		t.Fatalf("LoadInitialPage failed: %v", err)
	}
	if err := sync.LoadOlderPage(context.Background(), "conv-1"); err != nil {
		t.Fatalf("LoadOlderPage failed: %v", err)
	}

	msgs := sync.Messages("conv-1")
	want := []string{"m1", "m2", "m3", "m4"}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages after merge, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	if sync.HasMore("conv-1") {
		t.Error("exhausted history should report no more pages")
	}

	if err := sync.LoadOlderPage(context.Background(), "conv-1"); !errors.Is(err, ErrNoOlderMessages) {
		t.Errorf("expected ErrNoOlderMessages, got %v", err)
	}
}

// TestSynchronizer_LoadOlderPageUnknown tests backfill for an unopened conversation
func TestSynchronizer_LoadOlderPageUnknown(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)
	if err := sync.LoadOlderPage(context.Background(), "nope"); !errors.Is(err, ErrUnknownConversation) {
		t.Errorf("expected ErrUnknownConversation, got %v", err)
	}
}

// TestSynchronizer_SendMessage tests optimistic append plus fire-and-forget emit
func TestSynchronizer_SendMessage(t *testing.T) {
	transport := &fakeTransport{}
	sync := New("u1", transport, &fakeHistory{}, nil, 50)

	msg := sync.SendMessage("conv-1", "hello")

	if !msg.IsOptimistic() {
		t.Error("sent message should start as an optimistic placeholder")
	}
	if msg.Status != types.StatusSent {
		t.Errorf("placeholder status should be sent, got %q", msg.Status)
	}

	msgs := sync.Messages("conv-1")
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("placeholder should be visible immediately, got %v", msgs)
	}

	emits := transport.sent(wire.EventSendMessage)
	if len(emits) != 1 {
		t.Fatalf("expected exactly one send_message emit, got %d", len(emits))
	}
	payload := emits[0].payload.(wire.SendMessagePayload)
	if payload.Content != "hello" || payload.ConversationID != "conv-1" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

// TestSynchronizer_ReconcileReplacesOptimistic tests the server echo swapping
// out the oldest matching placeholder
func TestSynchronizer_ReconcileReplacesOptimistic(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)

	placeholder := sync.SendMessage("conv-1", "hello")
	echo := serverMessage("srv-1", "conv-1", "u1", "hello", time.Now())

	sync.ReconcileIncoming(echo)

	msgs := sync.Messages("conv-1")
	if len(msgs) != 1 {
		t.Fatalf("echo should replace the placeholder, got %d messages", len(msgs))
	}
	if msgs[0].ID != "srv-1" {
		t.Errorf("expected server id srv-1, got %s", msgs[0].ID)
	}
	if msgs[0].ID == placeholder.ID {
		t.Error("placeholder id should be gone after reconciliation")
	}
}

// TestSynchronizer_ReconcileReplacesOldestPlaceholder tests duplicate-content
// sends resolving in order
func TestSynchronizer_ReconcileReplacesOldestPlaceholder(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)

	first := sync.SendMessage("conv-1", "ping")
	time.Sleep(2 * time.Millisecond)
	second := sync.SendMessage("conv-1", "ping")

	sync.ReconcileIncoming(serverMessage("srv-1", "conv-1", "u1", "ping", time.Now()))

	var remaining []string
	for _, m := range sync.Messages("conv-1") {
		if m.IsOptimistic() {
			remaining = append(remaining, m.ID)
		}
	}
	if len(remaining) != 1 || remaining[0] != second.ID {
		t.Errorf("oldest placeholder %s should be replaced first, remaining %v", first.ID, remaining)
	}
}

// openEmpty loads an empty initial page so the conversation is open.
func openEmpty(t *testing.T, sync *Synchronizer, conversationID string) {
	t.Helper()
	if err := sync.LoadInitialPage(context.Background(), conversationID); err != nil {
		t.Fatalf("failed to open %s: %v", conversationID, err)
	}
}

// TestSynchronizer_ReconcileIdempotent tests that re-delivery of the same id
// does not duplicate
func TestSynchronizer_ReconcileIdempotent(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)
	openEmpty(t, sync, "conv-1")

	msg := serverMessage("srv-1", "conv-1", "u2", "hi", time.Now())
	sync.ReconcileIncoming(msg)
	sync.ReconcileIncoming(msg)

	if got := len(sync.Messages("conv-1")); got != 1 {
		t.Errorf("re-delivery should be idempotent, got %d messages", got)
	}
}

// TestSynchronizer_ReconcileKeepsOrder tests that an older message arriving
// late lands in timestamp position
func TestSynchronizer_ReconcileKeepsOrder(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)
	openEmpty(t, sync, "conv-1")

	sync.ReconcileIncoming(serverMessage("m2", "conv-1", "u2", "two", base.Add(2*time.Second)))
	sync.ReconcileIncoming(serverMessage("m1", "conv-1", "u2", "one", base.Add(1*time.Second)))

	msgs := sync.Messages("conv-1")
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("late older message should sort before newer one, got %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

// TestSynchronizer_ApplyStatusForwardOnly tests the sent->delivered->read rule
func TestSynchronizer_ApplyStatusForwardOnly(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)
	openEmpty(t, sync, "conv-1")
	sync.ReconcileIncoming(serverMessage("m1", "conv-1", "u1", "hi", time.Now()))

	sync.ApplyStatus("conv-1", "m1", "READ")
	if got := sync.Messages("conv-1")[0].Status; got != types.StatusRead {
		t.Fatalf("expected read, got %q", got)
	}

	// Out-of-order regression must be discarded.
	sync.ApplyStatus("conv-1", "m1", "DELIVERED")
	if got := sync.Messages("conv-1")[0].Status; got != types.StatusRead {
		t.Errorf("read must not regress to %q", got)
	}
	sync.ApplyStatus("conv-1", "m1", "sent")
	if got := sync.Messages("conv-1")[0].Status; got != types.StatusRead {
		t.Errorf("read must not regress to %q", got)
	}

	// Unknown message ids are ignored without error.
	sync.ApplyStatus("conv-1", "ghost", "read")
	sync.ApplyStatus("ghost-conv", "m1", "read")
}

// TestSynchronizer_Close tests that closing drops the conversation state
func TestSynchronizer_Close(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)
	openEmpty(t, sync, "conv-1")
	sync.ReconcileIncoming(serverMessage("m1", "conv-1", "u2", "hi", time.Now()))

	sync.Close("conv-1")
	if msgs := sync.Messages("conv-1"); msgs != nil {
		t.Errorf("closed conversation should have no state, got %v", msgs)
	}
}

// TestSynchronizer_ReconcileIgnoresUnopened tests that pushed messages for
// conversations nobody opened do not accumulate in memory
func TestSynchronizer_ReconcileIgnoresUnopened(t *testing.T) {
	store := &fakeStore{}
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, store, 50)

	sync.ReconcileIncoming(serverMessage("m1", "conv-ghost", "u2", "hi", time.Now()))

	if msgs := sync.Messages("conv-ghost"); msgs != nil {
		t.Errorf("unopened conversation should hold no list, got %v", msgs)
	}
	// The durable copy still lands in the cache for a later offline render.
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 1 || store.upserts[0] != "m1" {
		t.Errorf("message should still be cached, got %v", store.upserts)
	}
}

// TestSynchronizer_MessagesSnapshotIsolated tests that a snapshot taken
// before a status update does not change under the caller
func TestSynchronizer_MessagesSnapshotIsolated(t *testing.T) {
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, nil, 50)
	openEmpty(t, sync, "conv-1")
	sync.ReconcileIncoming(serverMessage("m1", "conv-1", "u1", "hi", time.Now()))

	snapshot := sync.Messages("conv-1")
	sync.ApplyStatus("conv-1", "m1", "read")

	if snapshot[0].Status != types.StatusSent {
		t.Errorf("snapshot should be immune to later updates, got %q", snapshot[0].Status)
	}
	if got := sync.Messages("conv-1")[0].Status; got != types.StatusRead {
		t.Errorf("fresh snapshot should see the update, got %q", got)
	}
}

// fakeStore records cache traffic for write-through checks.
type fakeStore struct {
	mu       sync.Mutex
	upserts  []string
	statuses []string
	cached   []*types.Message
}

func (f *fakeStore) UpsertMessage(ctx context.Context, msg *types.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, msg.ID)
	return nil
}

func (f *fakeStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error) {
	return f.cached, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, messageID string, status types.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, messageID+":"+string(status))
	return nil
}

func (f *fakeStore) Close() error { return nil }

// TestSynchronizer_WriteThrough tests that durable messages reach the cache
// and optimistic ones never do
func TestSynchronizer_WriteThrough(t *testing.T) {
	store := &fakeStore{}
	sync := New("u1", &fakeTransport{}, &fakeHistory{}, store, 50)

	sync.SendMessage("conv-1", "optimistic only")
	sync.ReconcileIncoming(serverMessage("srv-1", "conv-1", "u2", "hi", time.Now()))

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 1 || store.upserts[0] != "srv-1" {
		t.Errorf("only the durable message should be cached, got %v", store.upserts)
	}
}

// TestSynchronizer_CacheFallback tests serving cached messages after a failed
// initial fetch
func TestSynchronizer_CacheFallback(t *testing.T) {
	store := &fakeStore{cached: []*types.Message{
		serverMessage("m1", "conv-1", "u2", "cached", time.Now()),
	}}
	history := &fakeHistory{err: errors.New("backend down")}
	sync := New("u1", &fakeTransport{}, history, store, 50)

	if err := sync.LoadInitialPage(context.Background(), "conv-1"); err == nil {
		t.Error("failed fetch should still surface an error")
	}

	msgs := sync.Messages("conv-1")
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Errorf("cache should backfill the empty view, got %v", msgs)
	}
}
