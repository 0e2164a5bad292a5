package receipts

import (
	"context"
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

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	events    []sentEvent
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
func (f *fakeTransport) State() interfaces.ConnectionState {
	if f.connected {
		return interfaces.StateConnected
	}
	return interfaces.StateDisconnected
}
func (f *fakeTransport) IsConnected() bool { return f.connected }

func (f *fakeTransport) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

// TestTracker_MarkViewedDebounce tests that rapid view marks collapse into
// one conversation-wide read receipt
func TestTracker_MarkViewedDebounce(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 30*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	for i := 0; i < 5; i++ {
		tracker.MarkViewed("conv-1")
	}

	time.Sleep(80 * time.Millisecond)

	if got := transport.count(wire.EventMessageRead); got != 1 {
		t.Errorf("expected exactly one message_read, got %d", got)
	}

	// Same view session: already acknowledged, nothing more to send.
	tracker.MarkViewed("conv-1")
	time.Sleep(60 * time.Millisecond)
	if got := transport.count(wire.EventMessageRead); got != 1 {
		t.Errorf("second mark in same session should be a no-op, got %d receipts", got)
	}
}

// TestTracker_ReopenResetsSession tests that a fresh view session can
// acknowledge again
func TestTracker_ReopenResetsSession(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	time.Sleep(40 * time.Millisecond)

	tracker.CloseConversation("conv-1")
	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	time.Sleep(40 * time.Millisecond)

	if got := transport.count(wire.EventMessageRead); got != 2 {
		t.Errorf("expected one receipt per view session, got %d", got)
	}
}

// TestTracker_CloseCancelsPendingRead tests that closing the view inside the
// debounce window suppresses the receipt
func TestTracker_CloseCancelsPendingRead(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 50*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	tracker.CloseConversation("conv-1")

	time.Sleep(100 * time.Millisecond)
	if got := transport.count(wire.EventMessageRead); got != 0 {
		t.Errorf("closed view must not acknowledge, got %d receipts", got)
	}
}

// TestTracker_MarkViewedOffline tests that no receipt is scheduled while
// disconnected
func TestTracker_MarkViewedOffline(t *testing.T) {
	transport := &fakeTransport{connected: false}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	time.Sleep(40 * time.Millisecond)

	if got := transport.count(wire.EventMessageRead); got != 0 {
		t.Errorf("offline mark should send nothing, got %d receipts", got)
	}
}

// TestTracker_HandleConnect tests that a read mark dropped while offline
// fires after the connection comes back
func TestTracker_HandleConnect(t *testing.T) {
	transport := &fakeTransport{connected: false}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	time.Sleep(40 * time.Millisecond)
	if got := transport.count(wire.EventMessageRead); got != 0 {
		t.Fatalf("offline mark should send nothing, got %d receipts", got)
	}

	transport.mu.Lock()
	transport.connected = true
	transport.mu.Unlock()
	tracker.HandleConnect()

	time.Sleep(40 * time.Millisecond)
	if got := transport.count(wire.EventMessageRead); got != 1 {
		t.Errorf("reconnect should release the pending receipt, got %d", got)
	}

	// Same view session already acknowledged; a second reconnect stays quiet.
	tracker.HandleConnect()
	time.Sleep(40 * time.Millisecond)
	if got := transport.count(wire.EventMessageRead); got != 1 {
		t.Errorf("acknowledged session must not re-send on reconnect, got %d", got)
	}
}

// TestTracker_HandleIncoming tests the immediate per-message delivery receipt
func TestTracker_HandleIncoming(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")

	tracker.HandleIncoming(&types.Message{ID: "m1", ConversationID: "conv-1", SenderID: "u2"})
	if got := transport.count(wire.EventMessageDelivered); got != 1 {
		t.Fatalf("expected one message_delivered, got %d", got)
	}

	payload := transport.events[0].payload.(wire.MessageDeliveredPayload)
	if payload.MessageID != "m1" || payload.ConversationID != "conv-1" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

// TestTracker_HandleIncomingSelf tests that own echoes are never acknowledged
func TestTracker_HandleIncomingSelf(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	tracker.HandleIncoming(&types.Message{ID: "m1", ConversationID: "conv-1", SenderID: "u1"})

	if got := transport.count(wire.EventMessageDelivered); got != 0 {
		t.Errorf("self message should not be acknowledged, got %d", got)
	}
}

// TestTracker_HandleIncomingClosed tests that closed conversations stay silent
func TestTracker_HandleIncomingClosed(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.HandleIncoming(&types.Message{ID: "m1", ConversationID: "conv-1", SenderID: "u2"})

	if got := transport.count(wire.EventMessageDelivered); got != 0 {
		t.Errorf("closed conversation should not acknowledge, got %d", got)
	}
}

// TestTracker_OpenIdempotent tests that re-opening does not reset a session
func TestTracker_OpenIdempotent(t *testing.T) {
	transport := &fakeTransport{connected: true}
	tracker := New(transport, "u1", 10*time.Millisecond)
	defer tracker.Close()

	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	time.Sleep(40 * time.Millisecond)

	// Open again without closing: same session, receipt already out.
	tracker.OpenConversation("conv-1")
	tracker.MarkViewed("conv-1")
	time.Sleep(40 * time.Millisecond)

	if got := transport.count(wire.EventMessageRead); got != 1 {
		t.Errorf("redundant open must not restart the session, got %d receipts", got)
	}
	if !tracker.IsOpen("conv-1") {
		t.Error("conversation should still be open")
	}
}
