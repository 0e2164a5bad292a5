// Package typing converts raw keystroke activity into rate-limited typing
// signals on the wire, and inbound signals into a displayable set of active
// typers with automatic expiry. Stale signals are purged even when the
// explicit stop event never arrives.
package typing

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"chatsync/internal/config"
	"chatsync/pkg/interfaces"
	"chatsync/pkg/types"
	"chatsync/pkg/wire"
)

// emitState tracks the local user's outbound typing signal per conversation.
type emitState struct {
	lastEmit time.Time
	typing   bool
	autoStop *time.Timer
}

// typerState tracks one remote user's inbound signal. A fresh signal resets
// the expiry timer rather than stacking a second one.
type typerState struct {
	name   string
	expire *time.Timer
}

// Coordinator implements both directions of typing presence.
type Coordinator struct {
	transport interfaces.Transport
	selfID    string
	cfg       *config.TypingConfig

	mu     sync.Mutex
	local  map[string]*emitState             // conversationID -> outbound state
	remote map[string]map[string]*typerState // conversationID -> userID -> state

	// onChange, when set, is invoked (outside the lock) after the active
	// typer set of a conversation changes.
	onChange func(conversationID string)
}

// New creates a coordinator. Durations come from config so tests can shrink
// the windows.
func New(transport interfaces.Transport, selfID string, cfg *config.TypingConfig) *Coordinator {
	return &Coordinator{
		transport: transport,
		selfID:    selfID,
		cfg:       cfg,
		local:     make(map[string]*emitState),
		remote:    make(map[string]map[string]*typerState),
	}
}

// SetOnChange registers the display-refresh callback.
func (c *Coordinator) SetOnChange(fn func(conversationID string)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// EmitTyping signals composing activity. Rate-limited to one outbound
// typing event per emit interval (leading edge); every qualifying call
// reschedules the automatic stop after the inactivity window.
func (c *Coordinator) EmitTyping(conversationID string) {
	if !c.transport.IsConnected() {
		return
	}

	c.mu.Lock()
	state, ok := c.local[conversationID]
	if !ok {
		state = &emitState{}
		c.local[conversationID] = state
	}

	now := time.Now()
	if now.Sub(state.lastEmit) < c.cfg.EmitInterval {
		c.mu.Unlock()
		return
	}
	state.lastEmit = now
	state.typing = true

	if state.autoStop != nil {
		state.autoStop.Stop()
	}
	state.autoStop = time.AfterFunc(c.cfg.AutoStopAfter, func() {
		c.EmitStopTyping(conversationID)
	})
	c.mu.Unlock()

	if err := c.transport.Send(wire.EventTyping, wire.TypingPayload{ConversationID: conversationID}); err != nil {
		log.Printf("typing: typing emit failed: %v", err)
	}
}

// EmitStopTyping cancels the scheduled auto-stop and emits stop_typing if a
// start was emitted. Called explicitly on send and on blur.
func (c *Coordinator) EmitStopTyping(conversationID string) {
	c.mu.Lock()
	state, ok := c.local[conversationID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if state.autoStop != nil {
		state.autoStop.Stop()
		state.autoStop = nil
	}
	wasTyping := state.typing
	state.typing = false
	c.mu.Unlock()

	if !wasTyping || !c.transport.IsConnected() {
		return
	}
	if err := c.transport.Send(wire.EventStopTyping, wire.StopTypingPayload{ConversationID: conversationID}); err != nil {
		log.Printf("typing: stop_typing emit failed: %v", err)
	}
}

// HandleTyping processes an inbound typing signal: add or refresh the user
// and (re)arm their expiry timer. Signals from the local user are ignored.
func (c *Coordinator) HandleTyping(ev *wire.TypingPayload) {
	if ev == nil || ev.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	typers, ok := c.remote[ev.ConversationID]
	if !ok {
		typers = make(map[string]*typerState)
		c.remote[ev.ConversationID] = typers
	}

	state, ok := typers[ev.UserID]
	if !ok {
		state = &typerState{}
		typers[ev.UserID] = state
	}
	if ev.UserName != "" {
		state.name = ev.UserName
	}
	if state.expire != nil {
		state.expire.Stop()
	}
	conversationID, userID := ev.ConversationID, ev.UserID
	state.expire = time.AfterFunc(c.cfg.RemoteExpiry, func() {
		c.expire(conversationID, userID)
	})
	c.mu.Unlock()

	c.notify(ev.ConversationID)
}

// HandleStopTyping removes the user immediately and cancels their expiry.
func (c *Coordinator) HandleStopTyping(ev *wire.StopTypingPayload) {
	if ev == nil || ev.UserID == c.selfID {
		return
	}
	if c.remove(ev.ConversationID, ev.UserID) {
		c.notify(ev.ConversationID)
	}
}

// expire fires when no fresh signal arrived inside the stale window; the
// user is removed as if stop_typing had been received.
func (c *Coordinator) expire(conversationID, userID string) {
	if c.remove(conversationID, userID) {
		c.notify(conversationID)
	}
}

func (c *Coordinator) remove(conversationID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	typers, ok := c.remote[conversationID]
	if !ok {
		return false
	}
	state, ok := typers[userID]
	if !ok {
		return false
	}
	if state.expire != nil {
		state.expire.Stop()
	}
	delete(typers, userID)
	if len(typers) == 0 {
		delete(c.remote, conversationID)
	}
	return true
}

func (c *Coordinator) notify(conversationID string) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

// Typers returns the active typers for a conversation, sorted by name for
// stable display.
func (c *Coordinator) Typers(conversationID string) []types.TypingUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	typers := c.remote[conversationID]
	out := make([]types.TypingUser, 0, len(typers))
	for userID, state := range typers {
		out = append(out, types.TypingUser{UserID: userID, DisplayName: state.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// FormatTypers renders the indicator line: one typer "N is typing…", two
// "A and B are typing…", three or more "A and N others are typing…".
// Empty string when nobody is typing.
func (c *Coordinator) FormatTypers(conversationID string) string {
	typers := c.Typers(conversationID)
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", typers[0].Name())
	case 2:
		return fmt.Sprintf("%s and %s are typing…", typers[0].Name(), typers[1].Name())
	default:
		return fmt.Sprintf("%s and %d others are typing…", typers[0].Name(), len(typers)-1)
	}
}

// CloseConversation cancels every timer tied to a conversation: the local
// auto-stop and all per-user expiry timers. Skipping this leaks timers that
// mutate state for a view that no longer exists.
func (c *Coordinator) CloseConversation(conversationID string) {
	c.mu.Lock()
	if state, ok := c.local[conversationID]; ok {
		if state.autoStop != nil {
			state.autoStop.Stop()
		}
		delete(c.local, conversationID)
	}
	if typers, ok := c.remote[conversationID]; ok {
		for _, state := range typers {
			if state.expire != nil {
				state.expire.Stop()
			}
		}
		delete(c.remote, conversationID)
	}
	c.mu.Unlock()
}

// Close tears down all conversations. Called on logout.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.local)+len(c.remote))
	for id := range c.local {
		ids = append(ids, id)
	}
	for id := range c.remote {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.CloseConversation(id)
	}
}
