// Package receipts drives the delivery/read acknowledgement side of the
// sent -> delivered -> read state machine. Status application itself lives
// with the message lists in msgsync; this package decides when to tell the
// server that messages were delivered or read.
package receipts

import (
	"log"
	"sync"
	"time"

	"chatsync/pkg/interfaces"
	"chatsync/pkg/types"
	"chatsync/pkg/wire"
)

// viewSession tracks one open stretch of a conversation view. Reopening a
// conversation starts a fresh session, so the read acknowledgement can fire
// again.
type viewSession struct {
	readSent  bool
	readTimer *time.Timer
}

// Tracker emits delivery and read acknowledgements for open conversations.
type Tracker struct {
	transport    interfaces.Transport
	selfID       string
	readDebounce time.Duration

	mu   sync.Mutex
	open map[string]*viewSession
}

// New creates a tracker. readDebounce is the batching window for the
// conversation-wide read acknowledgement (~500ms in production).
func New(transport interfaces.Transport, selfID string, readDebounce time.Duration) *Tracker {
	return &Tracker{
		transport:    transport,
		selfID:       selfID,
		readDebounce: readDebounce,
		open:         make(map[string]*viewSession),
	}
}

// OpenConversation begins a view session. Idempotent while already open.
func (t *Tracker) OpenConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[conversationID]; !ok {
		t.open[conversationID] = &viewSession{}
	}
}

// CloseConversation ends the view session and cancels a pending read
// acknowledgement timer. Leaking the timer would emit a read receipt for a
// view that is no longer visible.
func (t *Tracker) CloseConversation(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if session, ok := t.open[conversationID]; ok {
		if session.readTimer != nil {
			session.readTimer.Stop()
		}
		delete(t.open, conversationID)
	}
}

// MarkViewed schedules the single conversation-wide read acknowledgement
// for this view session. The debounce absorbs rapid remounts; once the
// receipt is out, further calls in the same session are no-ops.
func (t *Tracker) MarkViewed(conversationID string) {
	if !t.transport.IsConnected() {
		return
	}

	t.mu.Lock()
	session, ok := t.open[conversationID]
	if !ok || session.readSent || session.readTimer != nil {
		t.mu.Unlock()
		return
	}
	session.readTimer = time.AfterFunc(t.readDebounce, func() {
		t.fireRead(conversationID)
	})
	t.mu.Unlock()
}

// HandleConnect re-arms the read acknowledgement for every open view. A
// MarkViewed that landed while the transport was down was dropped; once the
// connection is back the pending views get their receipt. Views that already
// acknowledged this session stay quiet.
func (t *Tracker) HandleConnect() {
	t.mu.Lock()
	ids := make([]string, 0, len(t.open))
	for id := range t.open {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.MarkViewed(id)
	}
}

func (t *Tracker) fireRead(conversationID string) {
	t.mu.Lock()
	session, ok := t.open[conversationID]
	if !ok {
		// View closed before the debounce elapsed.
		t.mu.Unlock()
		return
	}
	session.readTimer = nil
	session.readSent = true
	t.mu.Unlock()

	// MessageID omitted: the whole conversation is acknowledged at once.
	if err := t.transport.Send(wire.EventMessageRead, wire.MessageReadPayload{
		ConversationID: conversationID,
	}); err != nil {
		log.Printf("receipts: message_read emit failed: %v", err)
	}
}

// HandleIncoming acknowledges delivery of one inbound message: a non-self
// message arriving while its conversation is open gets an immediate
// per-message message_delivered (distinct from the batched read receipt).
func (t *Tracker) HandleIncoming(msg *types.Message) {
	if msg == nil || msg.IsSelf(t.selfID) {
		return
	}

	t.mu.Lock()
	_, isOpen := t.open[msg.ConversationID]
	t.mu.Unlock()
	if !isOpen {
		return
	}

	if err := t.transport.Send(wire.EventMessageDelivered, wire.MessageDeliveredPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	}); err != nil {
		log.Printf("receipts: message_delivered emit failed: %v", err)
	}
}

// IsOpen reports whether a conversation currently has a view session.
func (t *Tracker) IsOpen(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[conversationID]
	return ok
}

// Close cancels every pending timer. Called on logout.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, session := range t.open {
		if session.readTimer != nil {
			session.readTimer.Stop()
		}
		delete(t.open, id)
	}
}
